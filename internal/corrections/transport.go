package corrections

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"navfuse/internal/nmea"
	"navfuse/internal/rtcm"
)

// ConnectionError wraps a transport failure for a source.
type ConnectionError struct {
	SourceID string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("corrections: source %s: connect: %v", e.SourceID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError means the caster rejected the source's credentials.
type AuthenticationError struct {
	SourceID string
	Status   string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("corrections: source %s: authentication rejected (%s)", e.SourceID, e.Status)
}

type dialFunc func(ctx context.Context, src Source) (io.ReadCloser, error)

// dialSource dispatches by source kind to a transport-specific routine.
func dialSource(ctx context.Context, src Source) (io.ReadCloser, error) {
	switch src.Kind {
	case KindRTCMTCP, KindNMEATCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", src.Address)
		if err != nil {
			return nil, &ConnectionError{SourceID: src.ID, Err: err}
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(30 * time.Second)
		}
		return conn, nil
	case KindNTRIP:
		return dialNTRIP(ctx, src)
	case KindSerial:
		baud := src.Baud
		if baud == 0 {
			baud = 9600
		}
		f, err := openSerial(src.Address, baud)
		if err != nil {
			return nil, &ConnectionError{SourceID: src.ID, Err: err}
		}
		return f, nil
	default:
		return nil, &ConnectionError{SourceID: src.ID, Err: fmt.Errorf("unknown kind %q", src.Kind)}
	}
}

// dialNTRIP performs the NTRIP rev1 handshake: HTTP GET on the mountpoint,
// optional basic auth, accepting either "ICY 200 OK" or an HTTP 200.
func dialNTRIP(ctx context.Context, src Source) (io.ReadCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", src.Address)
	if err != nil {
		return nil, &ConnectionError{SourceID: src.ID, Err: err}
	}
	ok := false
	defer func() {
		if !ok {
			_ = conn.Close()
		}
	}()

	if deadline, has := ctx.Deadline(); has {
		_ = conn.SetDeadline(deadline)
	}

	var req strings.Builder
	fmt.Fprintf(&req, "GET /%s HTTP/1.0\r\n", strings.TrimPrefix(src.Mountpoint, "/"))
	fmt.Fprintf(&req, "Host: %s\r\n", src.Address)
	req.WriteString("User-Agent: NTRIP navfuse/1.0\r\n")
	if src.AuthRequired {
		cred := base64.StdEncoding.EncodeToString([]byte(src.Username + ":" + src.Password))
		fmt.Fprintf(&req, "Authorization: Basic %s\r\n", cred)
	}
	req.WriteString("Connection: close\r\n\r\n")
	if _, err := io.WriteString(conn, req.String()); err != nil {
		return nil, &ConnectionError{SourceID: src.ID, Err: err}
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		return nil, &ConnectionError{SourceID: src.ID, Err: err}
	}
	status = strings.TrimSpace(status)
	switch {
	case strings.HasPrefix(status, "ICY 200"):
		// Rev1 casters stream immediately after the status line.
	case strings.HasPrefix(status, "HTTP/") && strings.Contains(status, " 200"):
		// Rev2: skip response headers.
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return nil, &ConnectionError{SourceID: src.ID, Err: err}
			}
			if strings.TrimSpace(line) == "" {
				break
			}
		}
	case strings.Contains(status, " 401") || strings.Contains(status, " 403"):
		return nil, &AuthenticationError{SourceID: src.ID, Status: status}
	default:
		return nil, &ConnectionError{SourceID: src.ID, Err: fmt.Errorf("unexpected caster response %q", status)}
	}

	_ = conn.SetDeadline(time.Time{})
	ok = true
	return &bufferedConn{r: br, c: conn}, nil
}

// bufferedConn keeps bytes already buffered during the handshake readable.
type bufferedConn struct {
	r *bufio.Reader
	c net.Conn
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *bufferedConn) Close() error               { return b.c.Close() }

// readStream consumes the connected stream until error or cancellation,
// updating stats and emitting decoded Data. Within one source, payloads are
// emitted in arrival order.
func (m *Manager) readStream(ctx context.Context, st *sourceState, conn io.ReadCloser) error {
	// Unblock the reader when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	switch st.src.Format {
	case "nmea":
		return m.readNMEAStream(st, conn)
	default:
		return m.readRTCMStream(st, conn)
	}
}

func (m *Manager) readRTCMStream(st *sourceState, conn io.Reader) error {
	split := rtcm.NewSplitter()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, frame := range split.Feed(buf[:n]) {
				st.recordMessage(len(frame.Payload), []uint16{frame.Type})
				m.emitData(Data{
					SourceID:     st.src.ID,
					Received:     time.Now().UTC(),
					Payload:      frame.Payload,
					MessageTypes: []uint16{frame.Type},
					ChecksumOK:   true,
				})
			}
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("corrections: source %s: stream closed", st.src.ID)
			}
			return err
		}
	}
}

func (m *Manager) readNMEAStream(st *sourceState, conn io.Reader) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 256), 4096)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		_, err := nmea.ParseSentence(line)
		st.recordMessage(len(line), nil)
		m.emitData(Data{
			SourceID:   st.src.ID,
			Received:   time.Now().UTC(),
			Payload:    []byte(line),
			ChecksumOK: err == nil,
		})
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("corrections: source %s: stream closed", st.src.ID)
}
