package audiobridge

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	errBadRequest = errors.New("audiobridge: bad handshake request")
	pathPattern   = regexp.MustCompile(`^/callaudio/(\d+)$`)
)

const (
	switchingProtocols = "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"
	badRequest         = "HTTP/1.1 400 Bad Request\r\nConnection: close\r\n\r\n"
	maxHeaderLines     = 64
)

// handshake reads the HTTP-style preamble and returns the call attempt id in
// its path. A malformed path is answered with 400 before returning.
func handshake(conn net.Conn, br *bufio.Reader, requestTimeout, headerTimeout time.Duration) (int64, error) {
	_ = conn.SetReadDeadline(time.Now().Add(requestTimeout))
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("audiobridge: read request line: %w", err)
	}

	id, perr := parseRequestLine(strings.TrimRight(line, "\r\n"))

	for i := 0; ; i++ {
		if i >= maxHeaderLines {
			perr = errBadRequest
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(headerTimeout))
		header, err := br.ReadString('\n')
		if err != nil {
			return 0, fmt.Errorf("audiobridge: read headers: %w", err)
		}
		if strings.TrimRight(header, "\r\n") == "" {
			break
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	if perr != nil {
		_, _ = conn.Write([]byte(badRequest))
		return 0, perr
	}
	if _, err := conn.Write([]byte(switchingProtocols)); err != nil {
		return 0, fmt.Errorf("audiobridge: write upgrade: %w", err)
	}
	return id, nil
}

func parseRequestLine(line string) (int64, error) {
	parts := strings.Fields(line)
	if len(parts) != 3 || parts[0] != "GET" || !strings.HasPrefix(parts[2], "HTTP/") {
		return 0, fmt.Errorf("%w: %q", errBadRequest, line)
	}
	m := pathPattern.FindStringSubmatch(parts[1])
	if m == nil {
		return 0, fmt.Errorf("%w: path %q", errBadRequest, parts[1])
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: id %q", errBadRequest, m[1])
	}
	return id, nil
}
