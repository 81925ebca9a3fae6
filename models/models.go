package models

import "time"

// Account is a registered identity as reported by the directory.
type Account struct {
	Name      string
	LastLogin time.Time
}

// ActiveSession is a connected account joined with its name.
type ActiveSession struct {
	Name      string
	IPAddress string
	Port      Port
	LoginTime time.Time
}

// LoginEvent is one entry of the login audit trail.
type LoginEvent struct {
	Name      string
	Time      time.Time
	IPAddress string
	Port      Port
}

// MessageStats is the per-account message tally.
type MessageStats struct {
	Name      string
	LastLogin time.Time
	Sent      int64
	Accepted  int64
}
