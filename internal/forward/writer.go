package forward

import (
	"bufio"
	"net"
	"net/http"
)

// relayWriter is the ResponseWriter handed to the reverse proxy.
//
// Writers that wrap the server's ResponseWriter (echo's Response, for one)
// treat the first WriteHeader as final, so an interim 1xx relayed from the
// upstream would swallow the real status. Interim statuses are sent to the
// wrapped writer instead. It also records whether the connection was
// hijacked for a protocol upgrade.
type relayWriter struct {
	http.ResponseWriter
	hijacked bool
}

func (w *relayWriter) WriteHeader(code int) {
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		if u, ok := w.ResponseWriter.(interface{ Unwrap() http.ResponseWriter }); ok {
			u.Unwrap().WriteHeader(code)
			return
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

// Hijack takes over the client connection and marks the response as handed off.
func (w *relayWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, brw, err := http.NewResponseController(w.ResponseWriter).Hijack()
	if err == nil {
		w.hijacked = true
	}
	return conn, brw, err
}

// Unwrap lets http.ResponseController reach flush and deadline support.
func (w *relayWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
