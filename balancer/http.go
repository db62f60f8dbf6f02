package balancer

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
)

// hopHeaders are connection-scoped headers stripped before a request or
// response crosses the proxy, per RFC 7230 section 6.1.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// bufferPool recycles the relay buffers used by CONNECT tunnels so a busy
// proxy doesn't allocate per connection.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 32*1024)
	},
}

// ServeHTTP dispatches one client request: CONNECT requests become raw TCP
// tunnels through a backend, everything else is forwarded as a plain HTTP
// proxy request.
func (b *Balancer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		b.serveConnect(w, r)
		return
	}

	b.serveForward(w, r)
}

// serveForward relays a plain HTTP request through a randomly selected
// backend and copies the upstream response back to the client.
func (b *Balancer) serveForward(w http.ResponseWriter, r *http.Request) {
	port, err := b.SelectBackend()
	if err != nil {
		http.Error(w, "no egress backends available",
			http.StatusServiceUnavailable)
		return
	}

	b.mu.Lock()
	be, ok := b.available[port]
	b.mu.Unlock()
	if !ok {
		http.Error(w, "no egress backends available",
			http.StatusServiceUnavailable)
		return
	}

	outReq, err := cloneProxyRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := be.transport.RoundTrip(outReq)
	if err != nil {
		// The request never made it through the backend; count it.
		b.MarkFailure(port)

		log.Debugf("Forward via backend %d failed: %v", port, err)
		http.Error(w, "upstream request failed",
			http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	b.MarkSuccess(port)

	stripHopHeaders(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// The response already started; nothing to send the client,
		// and a mid-body drop isn't evidence against the backend.
		log.Debugf("Response relay from backend %d interrupted: %v",
			port, err)
	}
}

// cloneProxyRequest builds the upstream request from the client's proxy
// request, resolving the target and stripping hop-by-hop headers.
func cloneProxyRequest(r *http.Request) (*http.Request, error) {
	outReq := r.Clone(r.Context())

	// A forward proxy receives the absolute URI in the request line. Some
	// clients send only the path, leaving the target in the Host header.
	if outReq.URL.Host == "" {
		if r.Host == "" {
			return nil, errors.New("request target missing")
		}
		outReq.URL.Host = r.Host
		outReq.URL.Scheme = "http"
	}
	outReq.RequestURI = ""

	stripHopHeaders(outReq.Header)

	return outReq, nil
}

// serveConnect establishes a raw TCP tunnel to the CONNECT target through a
// randomly selected backend, then relays bytes in both directions until
// either side closes.
func (b *Balancer) serveConnect(w http.ResponseWriter, r *http.Request) {
	port, err := b.SelectBackend()
	if err != nil {
		http.Error(w, "no egress backends available",
			http.StatusServiceUnavailable)
		return
	}

	b.mu.Lock()
	be, ok := b.available[port]
	b.mu.Unlock()
	if !ok {
		http.Error(w, "no egress backends available",
			http.StatusServiceUnavailable)
		return
	}

	upstream, err := b.cfg.DialBackend(
		be.socksAddr, r.Host, b.cfg.UpstreamTimeout,
	)
	if err != nil {
		// Failing to reach the backend's own socket is a backend
		// failure; failing to reach the target through a working
		// backend is not.
		if errors.Is(err, errBackendConn) {
			b.MarkFailure(port)
		}

		log.Debugf("CONNECT to %v via backend %d failed: %v", r.Host,
			port, err)
		http.Error(w, "unable to reach target",
			http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	b.MarkSuccess(port)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "tunneling unsupported",
			http.StatusInternalServerError)
		return
	}

	client, clientBuf, err := hijacker.Hijack()
	if err != nil {
		log.Errorf("Unable to hijack CONNECT connection: %v", err)
		return
	}
	defer client.Close()

	_, err = clientBuf.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	if err == nil {
		err = clientBuf.Flush()
	}
	if err != nil {
		log.Debugf("Unable to confirm tunnel to client: %v", err)
		return
	}

	// A tunnel dropping mid-stream is expected churn on overlay circuits
	// and is deliberately not held against the backend.
	relay(client, upstream)

	log.Tracef("Tunnel to %v via backend %d closed", r.Host, port)
}

// relay shuttles bytes between the two connections until one direction
// fails, then unblocks the other by closing both.
func relay(client, upstream net.Conn) {
	done := make(chan struct{}, 2)

	copyHalf := func(dst, src net.Conn) {
		buf := bufferPool.Get().([]byte)
		defer bufferPool.Put(buf)

		_, _ = io.CopyBuffer(dst, src, buf)
		done <- struct{}{}
	}

	go copyHalf(upstream, client)
	go copyHalf(client, upstream)

	<-done
	client.Close()
	upstream.Close()
	<-done
}

// stripHopHeaders removes connection-scoped headers, including any the
// Connection header itself nominates.
func stripHopHeaders(h http.Header) {
	for _, conn := range h.Values("Connection") {
		for _, name := range strings.Split(conn, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// copyHeader merges src into dst.
func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
