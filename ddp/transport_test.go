package ddp

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-playground/assert/v2"
)

// a minimal DDP server. `handle` returns the frames to send for each received message.
func newTestDdpServer(t *testing.T, handle func(message Message) []string) (*httptest.Server, chan http.Header) {
	headers := make(chan http.Header, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			message, err := DecodeMessage(frame)
			if err != nil {
				t.Errorf("Server could not decode %s: %s", frame, err)
				return
			}
			for _, reply := range handle(message) {
				if reply == "" {
					// close with a status
					ws.WriteMessage(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"),
					)
					return
				}
				if err := ws.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
					return
				}
			}
		}
	}))
	return server, headers
}

func wsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/websocket"
}

func TestWsClientEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, _ := newTestDdpServer(t, func(message Message) []string {
		switch v := message.(type) {
		case *ConnectMessage:
			return []string{`{"msg":"connected","session":"e2e"}`}
		case *MethodMessage:
			return []string{
				`{"msg":"result","id":"` + v.Id + `","result":42}`,
				`{"msg":"data","methods":["` + v.Id + `"]}`,
			}
		case *SubMessage:
			if v.Name == "bar" {
				return []string{`{"msg":"nosub","id":"` + v.Id + `"}`}
			}
			return []string{
				`{"msg":"data","collection":"apps","id":"a1","set":{"name":"foo"}}`,
				`{"msg":"ready","subs":["` + v.Id + `"]}`,
			}
		default:
			return nil
		}
	})
	defer server.Close()

	client := NewClientWithDefaults(ctx)
	defer client.Close()

	sets := make(chan *FieldSetEvent, 16)
	client.AddEventCallback(func(event Event) {
		if set, ok := event.(*FieldSetEvent); ok {
			sets <- set
		}
	})

	err := client.Connect(ctx, wsUrl(server))
	assert.Equal(t, err, nil)
	assert.Equal(t, client.Session(), "e2e")

	result, err := client.Call(ctx, "foo", []any{})
	assert.Equal(t, err, nil)
	assert.Equal(t, string(result), "42")

	subResult, err := client.Subscribe(ctx, "bar", []any{})
	assert.Equal(t, err, nil)
	assert.Equal(t, subResult.Id, "2")
	assert.Equal(t, subResult.Status, SubscriptionNoSuch)

	subResult, err = client.Subscribe(ctx, "allApps", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, subResult.Id, "3")
	assert.Equal(t, subResult.Status, SubscriptionReady)

	// data precedes ready on the wire
	set := <-sets
	assert.Equal(t, set.Collection, "apps")
	assert.Equal(t, set.Key, "name")
	assert.Equal(t, string(set.Value), `"foo"`)
}

func TestWsServerClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, _ := newTestDdpServer(t, func(message Message) []string {
		switch message.(type) {
		case *ConnectMessage:
			return []string{`{"msg":"connected"}`}
		case *MethodMessage:
			// close without answering
			return []string{""}
		default:
			return nil
		}
	})
	defer server.Close()

	client := NewClientWithDefaults(ctx)
	defer client.Close()

	closedEvents := make(chan *ClosedEvent, 1)
	client.AddEventCallback(func(event Event) {
		if closed, ok := event.(*ClosedEvent); ok {
			closedEvents <- closed
		}
	})

	err := client.Connect(ctx, wsUrl(server))
	assert.Equal(t, err, nil)

	_, err = client.Call(ctx, "foo", nil)
	var transportErr *TransportError
	assert.Equal(t, errors.As(err, &transportErr), true)
	assert.Equal(t, transportErr.Code, websocket.CloseGoingAway)
	assert.Equal(t, transportErr.Reason, "bye")

	closed := <-closedEvents
	assert.Equal(t, closed.ClosedByClient, false)
	assert.Equal(t, client.State(), Disconnected)
}

func TestWsDialRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	client := NewClientWithDefaults(ctx)
	defer client.Close()

	err := client.Connect(ctx, wsUrl(server))
	var transportErr *TransportError
	assert.Equal(t, errors.As(err, &transportErr), true)
	assert.Equal(t, transportErr.Op, "dial")
	assert.Equal(t, transportErr.Code, http.StatusNotFound)
	assert.Equal(t, client.State(), Disconnected)
}

func TestWsBearerHeader(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, headers := newTestDdpServer(t, func(message Message) []string {
		if _, ok := message.(*ConnectMessage); ok {
			return []string{`{"msg":"connected"}`}
		}
		return nil
	})
	defer server.Close()

	jwt := signTestJwt(t, map[string]any{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	settings := DefaultClientSettings()
	settings.Auth = &ClientAuth{BearerJwt: jwt}
	client := NewClient(ctx, settings)
	defer client.Close()

	err := client.Connect(ctx, wsUrl(server))
	assert.Equal(t, err, nil)

	header := <-headers
	assert.Equal(t, header.Get("Authorization"), "Bearer "+jwt)
}

func TestWsTransportSendAfterClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, _ := newTestDdpServer(t, func(message Message) []string {
		return nil
	})
	defer server.Close()

	transport, err := DialWsTransport(ctx, wsUrl(server), DefaultTransportSettings())
	assert.Equal(t, err, nil)

	transport.Close()
	<-transport.Done()

	// the receive channel is closed after the last frame
	_, ok := <-transport.Receive()
	assert.Equal(t, ok, false)

	err = transport.Send([]byte(`{"msg":"ping"}`))
	var transportErr *TransportError
	assert.Equal(t, errors.As(err, &transportErr), true)
	assert.Equal(t, transportErr.Op, "send")
	assert.Equal(t, errors.Is(err, ErrNotOpen), true)

	closeErr := transport.Err().(*TransportError)
	assert.Equal(t, closeErr.Code, websocket.CloseNormalClosure)
}

// a no auth SOCKS5 server that supports CONNECT. Counts the tunnels it opens.
func newTestSocksServer(t *testing.T) (string, *atomic.Int32, func()) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Equal(t, err, nil)

	var tunnelCount atomic.Int32
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()

				header := make([]byte, 2)
				if _, err := io.ReadFull(conn, header); err != nil {
					return
				}
				methods := make([]byte, header[1])
				if _, err := io.ReadFull(conn, methods); err != nil {
					return
				}
				conn.Write([]byte{5, 0})

				request := make([]byte, 4)
				if _, err := io.ReadFull(conn, request); err != nil {
					return
				}
				var host string
				switch request[3] {
				case 1:
					ip := make([]byte, 4)
					if _, err := io.ReadFull(conn, ip); err != nil {
						return
					}
					host = net.IP(ip).String()
				case 3:
					n := make([]byte, 1)
					if _, err := io.ReadFull(conn, n); err != nil {
						return
					}
					name := make([]byte, n[0])
					if _, err := io.ReadFull(conn, name); err != nil {
						return
					}
					host = string(name)
				default:
					return
				}
				portBytes := make([]byte, 2)
				if _, err := io.ReadFull(conn, portBytes); err != nil {
					return
				}
				port := binary.BigEndian.Uint16(portBytes)

				target, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
				if err != nil {
					// host unreachable
					conn.Write([]byte{5, 4, 0, 1, 0, 0, 0, 0, 0, 0})
					return
				}
				defer target.Close()
				tunnelCount.Add(1)
				conn.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})

				go io.Copy(target, conn)
				io.Copy(conn, target)
			}()
		}
	}()
	return "socks5://" + listener.Addr().String(), &tunnelCount, func() {
		listener.Close()
	}
}

func TestWsSocksProxy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, _ := newTestDdpServer(t, func(message Message) []string {
		switch v := message.(type) {
		case *ConnectMessage:
			return []string{`{"msg":"connected","session":"proxied"}`}
		case *MethodMessage:
			return []string{
				`{"msg":"updated","methods":["` + v.Id + `"]}`,
				`{"msg":"result","id":"` + v.Id + `","result":"ok"}`,
			}
		default:
			return nil
		}
	})
	defer server.Close()

	proxyUrl, tunnelCount, closeProxy := newTestSocksServer(t)
	defer closeProxy()

	settings := DefaultClientSettings()
	settings.TransportSettings.SocksProxyUrl = proxyUrl
	client := NewClient(ctx, settings)
	defer client.Close()

	err := client.Connect(ctx, wsUrl(server))
	assert.Equal(t, err, nil)
	assert.Equal(t, client.Session(), "proxied")
	assert.Equal(t, tunnelCount.Load(), int32(1))

	result, err := client.Call(ctx, "foo", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(result), `"ok"`)
}

func TestWsSocksProxyUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// a port with nothing listening
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Equal(t, err, nil)
	proxyUrl := "socks5://" + listener.Addr().String()
	listener.Close()

	settings := DefaultTransportSettings()
	settings.SocksProxyUrl = proxyUrl
	_, err = DialWsTransport(ctx, "ws://127.0.0.1:1/websocket", settings)
	var transportErr *TransportError
	assert.Equal(t, errors.As(err, &transportErr), true)
	assert.Equal(t, transportErr.Op, "dial")

	settings.SocksProxyUrl = "http://127.0.0.1:1"
	_, err = DialWsTransport(ctx, "ws://127.0.0.1:1/websocket", settings)
	assert.Equal(t, errors.As(err, &transportErr), true)
	assert.Equal(t, transportErr.Op, "dial")
}

func TestPunycodeUrl(t *testing.T) {
	asciiUrl, err := punycodeUrl("ws://bücher.example:3000/websocket")
	assert.Equal(t, err, nil)
	assert.Equal(t, asciiUrl, "ws://xn--bcher-kva.example:3000/websocket")

	asciiUrl, err = punycodeUrl("wss://Foo.Meteor.com/websocket")
	assert.Equal(t, err, nil)
	assert.Equal(t, asciiUrl, "wss://foo.meteor.com/websocket")

	asciiUrl, err = punycodeUrl("ws://127.0.0.1:3000/websocket")
	assert.Equal(t, err, nil)
	assert.Equal(t, asciiUrl, "ws://127.0.0.1:3000/websocket")

	_, err = punycodeUrl("/websocket")
	assert.NotEqual(t, err, nil)
}
