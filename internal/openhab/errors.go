package openhab

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

var (
	// ErrNotConnected is returned by operations that need a live event stream
	ErrNotConnected = errors.New("openhab: event stream not connected")
	// ErrNotItemEvent marks a well-formed frame whose topic is not an item topic
	ErrNotItemEvent = errors.New("openhab: not an item event")
)

// ErrorKind classifies connection failures. The kind decides whether the
// stream retries.
type ErrorKind int

const (
	KindLost ErrorKind = iota
	KindNotFound
	KindNotAuthorized
	KindRefused
	KindCertificate
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "Not found"
	case KindNotAuthorized:
		return "Not authorized"
	case KindRefused:
		return "Connection refused"
	case KindCertificate:
		return "Certificate error"
	default:
		return "Connection lost"
	}
}

// StatusError is a non-2xx HTTP response
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return "unexpected response: " + e.Status
	}
	return fmt.Sprintf("unexpected response: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// ConnectionError is a classified failure of the event stream
type ConnectionError struct {
	Kind   ErrorKind
	URL    string
	Status int
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s on %s", e.Kind, e.URL)
	}
	return fmt.Sprintf("%s on %s: %v", e.Kind, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Retryable is false for auth and certificate problems, which will not go
// away by themselves.
func (e *ConnectionError) Retryable() bool {
	return e.Kind != KindNotAuthorized && e.Kind != KindCertificate
}

// Classify maps a transport error to a ConnectionError
func Classify(url string, err error) *ConnectionError {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce
	}

	out := &ConnectionError{Kind: classifyKind(err), URL: url, Err: err}
	var se *StatusError
	if errors.As(err, &se) {
		out.Status = se.StatusCode
	}
	return out
}

func classifyKind(err error) ErrorKind {
	var se *StatusError
	if errors.As(err, &se) {
		return kindForStatus(se.StatusCode)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return KindNotFound
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindRefused
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verify           *tls.CertificateVerificationError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) ||
		errors.As(err, &invalid) || errors.As(err, &verify) {
		return KindCertificate
	}

	if err == nil {
		return KindLost
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"):
		return KindNotFound
	case strings.Contains(msg, "connection refused"):
		return KindRefused
	case strings.Contains(msg, "certificate"):
		return KindCertificate
	}
	return KindLost
}

func kindForStatus(code int) ErrorKind {
	switch code {
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindNotAuthorized
	}
	return KindLost
}

// ParseError is a frame that could not be turned into an item event
type ParseError struct {
	Data string
	Err  error
}

func (e *ParseError) Error() string {
	data := e.Data
	if len(data) > 120 {
		data = data[:120] + "..."
	}
	return fmt.Sprintf("parse frame %q: %v", data, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// CommandError is a failed REST call against the hub
type CommandError struct {
	Op     string // send, get, list
	Item   string
	Status int
	Err    error
}

func (e *CommandError) Error() string {
	target := e.Op
	if e.Item != "" {
		target += " " + e.Item
	}
	return fmt.Sprintf("%s: %s", target, e.Reason())
}

// Reason is the short human readable cause shown in node status
func (e *CommandError) Reason() string {
	switch e.Status {
	case 0:
		if e.Err == nil {
			return "request failed"
		}
		return fmt.Sprintf("%s (%v)", classifyKind(e.Err), e.Err)
	case http.StatusNotFound:
		return "Not found"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "Not authorized"
	}
	if e.Status < 300 && e.Err != nil {
		return fmt.Sprintf("invalid response: %v", e.Err)
	}
	return fmt.Sprintf("HTTP %d %s", e.Status, http.StatusText(e.Status))
}

func (e *CommandError) Unwrap() error { return e.Err }
