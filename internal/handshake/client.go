package handshake

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// GenerateKey produces a fresh, random Sec-WebSocket-Key nonce per RFC
// 6455 §4.1: 16 random bytes, base64-encoded.
func GenerateKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("handshake: generate client key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// BuildClientRequest constructs the opening handshake request this relay
// sends when it acts as a client against an upstream WebSocket source
// (the telemetry reactor's upstream dialer; spec.md §4.6).
func BuildClientRequest(host, path, key string) []byte {
	if path == "" {
		path = "/"
	}
	return []byte(fmt.Sprintf(
		"GET %s HTTP/1.1\r\n"+
			"Host: %s\r\n"+
			"Upgrade: websocket\r\n"+
			"Connection: Upgrade\r\n"+
			"Sec-WebSocket-Key: %s\r\n"+
			"Sec-WebSocket-Version: %s\r\n\r\n",
		path, host, key, SupportedVersion))
}

// ClientResponse is the parsed result of an upstream server's opening
// handshake reply.
type ClientResponse struct {
	StatusCode         int
	SecWebSocketAccept string
}

// ParseClientResponse scans buf for a complete CRLF- (or bare-LF-)
// terminated HTTP response header block. It mirrors Parse's
// incremental-buffer contract: ok is false until a full header block has
// arrived, in which case consumed reports 0.
func ParseClientResponse(buf []byte) (resp ClientResponse, consumed int, ok bool) {
	pos := 0
	lineNo := 0
	for {
		line, _, rest, found := readLine(buf[pos:])
		if !found {
			return ClientResponse{}, 0, false
		}
		pos += rest

		if line == "" {
			break
		}

		if lineNo == 0 {
			resp.StatusCode = parseStatusLine(line)
		} else {
			parseClientHeaderLine(&resp, line)
		}
		lineNo++
	}
	return resp, pos, true
}

func parseStatusLine(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

func parseClientHeaderLine(resp *ClientResponse, line string) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	value = strings.TrimLeft(value, " ")
	if name == "Sec-WebSocket-Accept" {
		resp.SecWebSocketAccept = value
	}
}
