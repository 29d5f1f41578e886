package upnp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
)

// session owns the single TCP connection to the gateway. Responses are read
// to the end of their body so the connection can carry the next request.
type session struct {
	transport Transport
	ioTimeout time.Duration
	log       zerolog.Logger

	conn net.Conn
	addr netip.AddrPort
	rd   *bufio.Reader
	wr   *bufio.Writer
}

func newSession(transport Transport, ioTimeout time.Duration, log zerolog.Logger) *session {
	return &session{transport: transport, ioTimeout: ioTimeout, log: log}
}

// roundTrip sends req to addr and passes the response to read. A reused
// keep-alive connection that turns out to be closed is redialed once.
func (s *session) roundTrip(ctx context.Context, addr netip.AddrPort, req *http.Request, d deadline, read func(*http.Response) error) error {
	reused, err := s.connect(ctx, addr, d)
	if err != nil {
		return err
	}
	resp, err := s.send(req, d)
	if err != nil && reused {
		s.log.Debug().Err(err).Msg("upnp: reused connection failed, redialing")
		s.close()
		if _, err = s.connect(ctx, addr, d); err != nil {
			return err
		}
		resp, err = s.send(req, d)
	}
	if err != nil {
		s.close()
		return err
	}

	readErr := read(resp)
	// Drain what the reader left so the next request starts on a clean stream.
	_, drainErr := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if drainErr != nil || resp.Close {
		s.close()
	}
	return readErr
}

func (s *session) connect(ctx context.Context, addr netip.AddrPort, d deadline) (reused bool, err error) {
	if s.conn != nil && s.addr == addr {
		return true, nil
	}
	s.close()

	if d.expired() {
		return false, ErrTimeout
	}
	dctx, cancel := context.WithDeadline(ctx, d.capped(s.ioTimeout).wall())
	defer cancel()
	conn, err := s.transport.Dial(dctx, addr)
	if err != nil {
		return false, fmt.Errorf("connect to gateway %s: %w", addr, err)
	}
	s.log.Debug().Str("gateway", addr.String()).Msg("upnp: connected to gateway")
	s.conn = conn
	s.addr = addr
	s.rd = bufio.NewReader(conn)
	s.wr = bufio.NewWriter(conn)
	return false, nil
}

func (s *session) send(req *http.Request, d deadline) (*http.Response, error) {
	wait := d.capped(s.ioTimeout).wall()
	if err := s.conn.SetDeadline(wait); err != nil {
		return nil, err
	}
	if err := req.Write(s.wr); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if err := s.wr.Flush(); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	resp, err := http.ReadResponse(s.rd, req)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("%w: waiting for gateway response", ErrTimeout)
		}
		return nil, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

func (s *session) close() {
	if s.conn == nil {
		return
	}
	s.conn.Close()
	s.conn = nil
	s.rd = nil
	s.wr = nil
	s.addr = netip.AddrPort{}
}

// scanLines feeds body to feed one CR-terminated line at a time until feed
// reports it is done or the body ends.
func scanLines(body io.Reader, feed func(line string) bool) error {
	br := bufio.NewReader(body)
	for {
		line, err := br.ReadString('\r')
		if line != "" && feed(line) {
			return nil
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("%w: reading gateway response", ErrTimeout)
			}
			return err
		}
	}
}
