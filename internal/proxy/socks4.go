package proxy

import (
	"context"
	"net"
	"net/url"
	"time"

	"h12.io/socks"
)

// socks4URI names the proxy for h12.io/socks. The socks4a scheme sends the
// destination host to the proxy, so hostnames resolve proxy-side. Userinfo in
// the URI means SOCKS5 credentials to that library, so no user id is sent.
func socks4URI(addr string, timeout time.Duration) string {
	u := &url.URL{Scheme: "socks4a", Host: addr}
	if timeout > 0 {
		u.RawQuery = url.Values{"timeout": {timeout.String()}}.Encode()
	}
	return u.String()
}

type dialFunc func(network, addr string) (net.Conn, error)

// withContext adapts a blocking dial to http.Transport.DialContext. A dial
// that completes after ctx is done has its connection closed.
func withContext(dial dialFunc) func(ctx context.Context, network, addr string) (net.Conn, error) {
	type dialed struct {
		conn net.Conn
		err  error
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ch := make(chan dialed, 1)
		go func() {
			conn, err := dial(network, addr)
			ch <- dialed{conn: conn, err: err}
		}()
		select {
		case d := <-ch:
			return d.conn, d.err
		case <-ctx.Done():
			go func() {
				if d := <-ch; d.conn != nil {
					_ = d.conn.Close()
				}
			}()
			return nil, ctx.Err()
		}
	}
}

func socks4DialContext(proxyAddr string, timeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return withContext(socks.Dial(socks4URI(proxyAddr, timeout)))
}
