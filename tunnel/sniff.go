package tunnel

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
)

// Kind is the classification of a freshly accepted connection.
type Kind int

const (
	KindNone Kind = iota
	KindTunnel
	KindHTTPProxy
)

func (k Kind) String() string {
	switch k {
	case KindTunnel:
		return "tunnel"
	case KindHTTPProxy:
		return "http-proxy"
	default:
		return "none"
	}
}

var (
	connectEstablished = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")
	badRequest         = []byte("HTTP/1.1 400 Bad Request\r\n\r\n")
	headerEnd          = []byte("\r\n\r\n")
)

// ErrBadRequest is returned for a proxy request whose request line, target
// or header block cannot be parsed, or whose header exceeds the limit. The
// caller answers it with a 400 and closes the connection.
var ErrBadRequest = errors.New("malformed proxy request")

const maxMethodLen = 16

// Sniffed describes what Sniff found at the head of a stream.
type Sniffed struct {
	Kind     Kind
	Target   string // host:port
	Consumed int
}

// Sniff classifies the stream behind r without consuming anything unless it
// is a CONNECT request, whose request line and headers are discarded. At most
// limit bytes (capped at the reader's buffer size) are inspected.
//
// Bytes that are not an HTTP request, or a request in origin form, yield
// KindNone with a nil error. Once the stream starts with a method token and
// a complete header arrives, anything unparseable is ErrBadRequest. Read
// errors are returned as is.
func Sniff(r *bufio.Reader, limit int) (Sniffed, error) {
	if limit <= 0 || limit > r.Size() {
		limit = r.Size()
	}
	hdr, err := peekHeader(r, limit)
	switch {
	case errors.Is(err, errNotHTTP):
		return Sniffed{}, nil
	case errors.Is(err, errTooLarge):
		return Sniffed{}, ErrBadRequest
	case err != nil:
		return Sniffed{}, err
	}

	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(hdr)))
	line, err := tp.ReadLine()
	if err != nil {
		return Sniffed{}, ErrBadRequest
	}
	method, target, ok := parseRequestLine(line)
	if !ok {
		return Sniffed{}, ErrBadRequest
	}
	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return Sniffed{}, ErrBadRequest
	}

	if method == "CONNECT" {
		authority, ok := connectAuthority(target)
		if !ok {
			return Sniffed{}, ErrBadRequest
		}
		n, err := r.Discard(len(hdr))
		return Sniffed{Kind: KindTunnel, Target: authority, Consumed: n}, err
	}

	if target == "*" || strings.HasPrefix(target, "/") {
		return Sniffed{}, nil
	}
	authority, ok := proxyAuthority(target, header.Get("Host"))
	if !ok {
		return Sniffed{}, ErrBadRequest
	}
	return Sniffed{Kind: KindHTTPProxy, Target: authority}, nil
}

// PeekTLS reports whether the stream starts with a TLS record header. It
// never consumes input.
func PeekTLS(r *bufio.Reader) (bool, error) {
	b, err := r.Peek(2)
	if len(b) < 2 {
		return false, err
	}
	return b[0] == 0x16 && b[1] == 0x03, nil
}

var (
	errNotHTTP  = errors.New("not an HTTP request")
	errTooLarge = errors.New("request header too large")
)

// peekHeader grows the peeked window until it holds a complete request
// header, giving up early once the bytes cannot be a request line. It only
// waits for more input when everything already buffered has been searched.
func peekHeader(r *bufio.Reader, limit int) ([]byte, error) {
	n := 1
	for {
		b, err := r.Peek(n)
		if !plausibleRequest(b) {
			return b, errNotHTTP
		}
		if i := bytes.Index(b, headerEnd); i >= 0 {
			return b[:i+len(headerEnd)], nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(b) > 0 {
				return b, errNotHTTP
			}
			return b, err
		}
		if n >= limit {
			return b, errTooLarge
		}
		if buffered := r.Buffered(); buffered > n {
			n = min(buffered, limit)
			continue
		}
		n = min(n+1, limit)
	}
}

// plausibleRequest reports whether b may be the start of an HTTP request:
// an upper-case method token followed by a space.
func plausibleRequest(b []byte) bool {
	for i, c := range b {
		if c == ' ' {
			return i > 0
		}
		if c < 'A' || c > 'Z' || i >= maxMethodLen {
			return false
		}
	}
	return true
}

func parseRequestLine(line string) (method, target string, ok bool) {
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || target == "" {
		return method, "", false
	}
	if _, _, ok := parseHTTPVersion(proto); !ok {
		return method, "", false
	}
	return method, target, true
}

func parseHTTPVersion(proto string) (major, minor int, ok bool) {
	v, found := strings.CutPrefix(proto, "HTTP/")
	if !found {
		return 0, 0, false
	}
	maj, mnr, found := strings.Cut(v, ".")
	if !found {
		return 0, 0, false
	}
	var err1, err2 error
	major, err1 = strconv.Atoi(maj)
	minor, err2 = strconv.Atoi(mnr)
	return major, minor, err1 == nil && err2 == nil && major == 1
}

func connectAuthority(target string) (string, bool) {
	host, port, err := net.SplitHostPort(target)
	if err != nil || host == "" || !validPort(port) {
		return "", false
	}
	return net.JoinHostPort(host, port), true
}

func proxyAuthority(target, hostHeader string) (string, bool) {
	u, err := url.ParseRequestURI(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	host := u.Host
	if host == "" {
		host = hostHeader
	}
	if host == "" {
		return "", false
	}
	if _, port, err := net.SplitHostPort(host); err == nil {
		if !validPort(port) {
			return "", false
		}
		return host, true
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), port), true
}

func validPort(s string) bool {
	p, err := strconv.Atoi(s)
	return err == nil && p > 0 && p <= 65535
}
