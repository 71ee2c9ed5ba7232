package ddp

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/net/idna"
	"golang.org/x/net/proxy"

	"github.com/golang/glog"
)

// Transport is one persistent message oriented connection.
// Frames are delivered in arrival order on `Receive`, which is closed after the last frame.
// `Done` closes exactly once when the connection ends, and `Err` then reports why.
// A closed transport is never reopened.
type Transport interface {
	Send(frame []byte) error
	Receive() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Close()
}

// (ctx, url)
type DialTransportFunction func(ctx context.Context, url string) (Transport, error)

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// 0 means no read deadline. DDP servers may be silent for long periods.
	ReadTimeout       time.Duration
	SendBufferSize    int
	ReceiveBufferSize int
	Header            http.Header
	// when set, the websocket is dialed through this SOCKS5 proxy, e.g. socks5://127.0.0.1:1080.
	// Otherwise the http proxy from the environment is used.
	SocksProxyUrl string
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 10 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        0,
		SendBufferSize:     16,
		ReceiveBufferSize:  16,
	}
}

func NewWsDialer(settings *TransportSettings) DialTransportFunction {
	return func(ctx context.Context, url string) (Transport, error) {
		transport, err := DialWsTransport(ctx, url, settings)
		if err != nil {
			return nil, err
		}
		return transport, nil
	}
}

// WsTransport is a `Transport` over a gorilla websocket, carrying DDP text frames.
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws  *websocket.Conn
	url string

	settings *TransportSettings

	send    chan []byte
	receive chan []byte

	errLock sync.Mutex
	err     error

	// closed after both the reader and the writer have exited
	done chan struct{}
}

// DialWsTransport opens a websocket to `url`.
// `ctx` bounds the dial only. The transport lives until `Close`.
func DialWsTransport(ctx context.Context, url string, settings *TransportSettings) (*WsTransport, error) {
	asciiUrl, err := punycodeUrl(url)
	if err != nil {
		return nil, &TransportError{
			Op:  "dial",
			Err: errors.Wrapf(err, "Invalid url %s.", url),
		}
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	if settings.SocksProxyUrl != "" {
		netDialContext, err := socksDialContext(settings.SocksProxyUrl)
		if err != nil {
			return nil, &TransportError{
				Op:  "dial",
				Err: err,
			}
		}
		dialer.Proxy = nil
		dialer.NetDialContext = netDialContext
	}

	ws, response, err := dialer.DialContext(ctx, asciiUrl, settings.Header)
	if err != nil {
		transportErr := &TransportError{
			Op:  "dial",
			Err: errors.Wrapf(err, "Could not open %s.", url),
		}
		if response != nil {
			transportErr.Code = response.StatusCode
			transportErr.Reason = response.Status
		}
		return nil, transportErr
	}
	return newWsTransport(ws, url, settings), nil
}

// punycodeUrl converts an internationalized host to its ascii form, which is what the dialer resolves.
func punycodeUrl(rawUrl string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawUrl))
	if err != nil {
		return "", err
	}
	hostname := u.Hostname()
	if hostname == "" {
		return "", errors.New("Missing host.")
	}
	if net.ParseIP(hostname) != nil {
		return u.String(), nil
	}
	asciiHostname, err := idna.New(
		idna.MapForLookup(),
		idna.Transitional(true),
		idna.StrictDomainName(false),
	).ToASCII(hostname)
	if err != nil {
		return "", err
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(asciiHostname, port)
	} else {
		u.Host = asciiHostname
	}
	return u.String(), nil
}

func socksDialContext(proxyUrl string) (func(ctx context.Context, network string, addr string) (net.Conn, error), error) {
	u, err := url.Parse(proxyUrl)
	if err != nil {
		return nil, errors.Wrapf(err, "Invalid proxy url %s.", proxyUrl)
	}
	dialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, errors.Wrapf(err, "Unsupported proxy %s.", proxyUrl)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.Errorf("Proxy %s cannot dial with a context.", proxyUrl)
	}
	return contextDialer.DialContext, nil
}

func newWsTransport(ws *websocket.Conn, url string, settings *TransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(context.Background())
	transport := &WsTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		url:      url,
		settings: settings,
		send:     make(chan []byte, settings.SendBufferSize),
		receive:  make(chan []byte, settings.ReceiveBufferSize),
		done:     make(chan struct{}),
	}
	go transport.run()
	return transport
}

func (self *WsTransport) run() {
	defer func() {
		self.ws.Close()
		self.setErr(&TransportError{
			Op:  "close",
			Err: self.ctx.Err(),
		})
		close(self.done)
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer func() {
			self.cancel()
			wg.Done()
		}()

		for {
			select {
			case <-self.ctx.Done():
				// best effort close handshake
				self.ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(self.settings.WriteTimeout),
				)
				return
			case frame := <-self.send:
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					// note that for websocket a dealine timeout cannot be recovered
					glog.Infof("[ts]%s-> error = %s\n", self.url, err)
					self.setErr(&TransportError{
						Op:  "send",
						Err: errors.Wrap(err, "Write failed."),
					})
					return
				}
				glog.V(2).Infof("[ts]%s-> %d\n", self.url, len(frame))
			}
		}
	}()

	go func() {
		defer func() {
			self.cancel()
			close(self.receive)
			wg.Done()
		}()

		for {
			if 0 < self.settings.ReadTimeout {
				self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			}
			messageType, message, err := self.ws.ReadMessage()
			if err != nil {
				self.setErr(closeError(err))
				select {
				case <-self.ctx.Done():
				default:
					glog.Infof("[tr]%s<- error = %s\n", self.url, err)
				}
				return
			}

			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				select {
				case <-self.ctx.Done():
					return
				case self.receive <- message:
					glog.V(2).Infof("[tr]%s<- %d\n", self.url, len(message))
				}
			default:
				glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, self.url)
			}
		}
	}()

	// the reader blocks in `ReadMessage` until the socket is closed
	<-self.ctx.Done()
	self.ws.Close()
	wg.Wait()
}

func closeError(err error) *TransportError {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return &TransportError{
			Op:     "close",
			Code:   closeErr.Code,
			Reason: closeErr.Text,
		}
	}
	return &TransportError{
		Op:  "close",
		Err: err,
	}
}

// the first error wins
func (self *WsTransport) setErr(err error) {
	self.errLock.Lock()
	defer self.errLock.Unlock()
	if self.err == nil {
		self.err = err
	}
}

func (self *WsTransport) Send(frame []byte) error {
	select {
	case <-self.ctx.Done():
		return &TransportError{
			Op:  "send",
			Err: ErrNotOpen,
		}
	default:
	}

	select {
	case <-self.ctx.Done():
		return &TransportError{
			Op:  "send",
			Err: ErrNotOpen,
		}
	case self.send <- frame:
		return nil
	}
}

func (self *WsTransport) Receive() <-chan []byte {
	return self.receive
}

func (self *WsTransport) Done() <-chan struct{} {
	return self.done
}

// reports why the transport ended. Set by the time `Done` is closed.
func (self *WsTransport) Err() error {
	self.errLock.Lock()
	defer self.errLock.Unlock()
	return self.err
}

func (self *WsTransport) Close() {
	self.setErr(&TransportError{
		Op:     "close",
		Code:   websocket.CloseNormalClosure,
		Reason: "closed by client",
	})
	self.cancel()
}
