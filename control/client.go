package control

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"msimdir/protocol"
)

// ErrRejected is returned when the server answers with ERROR.
var ErrRejected = errors.New("control command rejected")

// Query sends one command to the control socket at path and returns the
// records of the reply.
func Query(path, cmd string, args ...string) ([][]string, error) {
	conn, err := net.DialTimeout("unix", path, requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to control socket: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestTimeout))

	if _, err := conn.Write([]byte(protocol.FormatPacket(cmd, args...))); err != nil {
		return nil, fmt.Errorf("sending %s: %w", cmd, err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading reply to %s: %w", cmd, err)
	}
	line = strings.TrimRight(line, "\r\n")

	if payload, ok := strings.CutPrefix(line, "OK|"); ok {
		return protocol.SplitRecords(payload), nil
	}
	if line == "OK" {
		return nil, nil
	}

	pkt, err := protocol.ParsePacket(line)
	if err != nil || pkt.Type != "ERROR" {
		return nil, fmt.Errorf("unexpected reply %q", line)
	}
	return nil, fmt.Errorf("%w: %s", ErrRejected, pkt.Content)
}
