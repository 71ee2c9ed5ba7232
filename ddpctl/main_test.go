package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/ddp/ddp"
)

func init() {
	initGlog("0")
}

// output is written from both the shell and the client receive goroutine
type lockedBuffer struct {
	mutex  sync.Mutex
	buffer bytes.Buffer
}

func (self *lockedBuffer) Write(b []byte) (int, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.buffer.Write(b)
}

func (self *lockedBuffer) String() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.buffer.String()
}

// feeds lines from a channel. Closing the channel is end of input.
type testLines struct {
	lines chan string
}

func newTestLines(lines ...string) *testLines {
	c := make(chan string, len(lines))
	for _, line := range lines {
		c <- line
	}
	return &testLines{
		lines: c,
	}
}

func (self *testLines) Readline() (string, error) {
	line, ok := <-self.lines
	if !ok {
		return "", io.EOF
	}
	return line, nil
}

// a DDP server that answers by method and subscription name:
// `foo` returns a result, `fail` returns an error, `slow` never answers, `bye` closes the connection,
// subscription `missing` is answered with nosub and any other subscription is ready with one document.
func newTestServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		send := func(frames ...string) {
			for _, frame := range frames {
				ws.WriteMessage(websocket.TextMessage, []byte(frame))
			}
		}

		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			message, err := ddp.DecodeMessage(frame)
			if err != nil {
				t.Errorf("Server could not decode %s: %s", frame, err)
				return
			}
			switch v := message.(type) {
			case *ddp.ConnectMessage:
				send(`{"msg":"connected","session":"shell"}`)
			case *ddp.MethodMessage:
				switch v.Method {
				case "foo":
					send(
						`{"msg":"result","id":"`+v.Id+`","result":{"n":1}}`,
						`{"msg":"updated","methods":["`+v.Id+`"]}`,
					)
				case "fail":
					send(`{"msg":"result","id":"` + v.Id + `","error":"boom"}`)
				case "bye":
					ws.WriteMessage(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"),
					)
					return
				}
			case *ddp.SubMessage:
				if v.Name == "missing" {
					send(`{"msg":"nosub","id":"` + v.Id + `"}`)
				} else {
					send(
						`{"msg":"data","collection":"apps","id":"a1","set":{"name":"foo"}}`,
						`{"msg":"ready","subs":["`+v.Id+`"]}`,
					)
				}
			}
		}
	}))
}

func newTestShellClient(t *testing.T, ctx context.Context, server *httptest.Server, out *log.Logger) *ddp.Client {
	settings := ddp.DefaultClientSettings()
	settings.CallTimeout = 300 * time.Millisecond
	client := ddp.NewClient(ctx, settings)
	client.AddEventCallback(NewEventPrinter(out).PrintEvent)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/websocket"
	err := client.Connect(ctx, url)
	assert.Equal(t, err, nil)
	return client
}

func TestRunShellEndOfInput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := newTestServer(t)
	defer server.Close()

	buffer := &lockedBuffer{}
	out := log.New(buffer, "", 0)
	client := newTestShellClient(t, ctx, server, out)

	lines := newTestLines(
		"method foo []",
		"sub allApps",
		"sub missing",
		"method fail [1]",
		"method slow",
		"unsub 2",
	)
	close(lines.lines)

	code := RunShell(ctx, client, lines, out)
	assert.Equal(t, code, 0)
	assert.Equal(t, client.State(), ddp.Disconnected)

	output := buffer.String()
	for _, expected := range []string{
		"* CONNECTED",
		`* METHOD RESULT {"n":1}`,
		`* SET apps a1 name "foo"`,
		"* SUB COMPLETE",
		"* SUB ID 2",
		"* NO SUCH SUB",
		"* SUB ID 3",
		"* ERROR: boom",
		"* TIMEOUT",
		"* CONNECTION CLOSED 1000 closed by client",
	} {
		assert.Equal(t, strings.Contains(output, expected), true)
	}
	// the remote error is printed once, from its event
	assert.Equal(t, strings.Count(output, "boom"), 1)
}

func TestRunShellServerClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := newTestServer(t)
	defer server.Close()

	buffer := &lockedBuffer{}
	out := log.New(buffer, "", 0)
	client := newTestShellClient(t, ctx, server, out)

	// input stays open, so only the close can end the shell
	lines := newTestLines("method bye []")
	defer close(lines.lines)

	code := RunShell(ctx, client, lines, out)
	assert.Equal(t, code, 1)
	assert.Equal(t, client.State(), ddp.Disconnected)
	assert.Equal(t, strings.Contains(buffer.String(), "* CONNECTION CLOSED 1001 bye"), true)
}

func TestInitGlogLevel(t *testing.T) {
	initGlog("2")
	defer initGlog("0")
	assert.Equal(t, flag.Lookup("v").Value.String(), "2")
}

func TestParseCommand(t *testing.T) {
	name, params, err := ParseCommand(`createApp [{"name": "foo.meteor.com"}, 2]`)
	assert.Equal(t, err, nil)
	assert.Equal(t, name, "createApp")
	assert.Equal(t, len(params), 2)
	assert.Equal(t, params[0].(map[string]any)["name"], "foo.meteor.com")
	assert.Equal(t, params[1], float64(2))

	name, params, err = ParseCommand("allApps")
	assert.Equal(t, err, nil)
	assert.Equal(t, name, "allApps")
	assert.Equal(t, params, []any{})

	_, params, err = ParseCommand("allApps null")
	assert.Equal(t, err, nil)
	assert.Equal(t, params, []any{})

	_, _, err = ParseCommand(`createApp {"name": "foo"}`)
	assert.NotEqual(t, err, nil)

	_, _, err = ParseCommand("createApp [1,")
	assert.NotEqual(t, err, nil)

	_, _, err = ParseCommand("   ")
	assert.NotEqual(t, err, nil)
}

func TestShellRejectsBadInput(t *testing.T) {
	buffer := &bytes.Buffer{}
	shell := &Shell{
		out: log.New(buffer, "", 0),
	}

	shell.Execute("method foo [1,")
	shell.Execute("sub bar {}")
	shell.Execute("unsub abc")
	shell.Execute("frob")
	shell.Execute("")

	lines := strings.Split(strings.TrimSpace(buffer.String()), "\n")
	assert.Equal(t, lines, []string{
		"Error parsing parameter list - try `help method`",
		"Error parsing parameter list - try `help sub`",
		"Error parsing subscription id - try `help unsub`",
		"*** Unknown syntax: frob",
	})
}

func TestFormatEvent(t *testing.T) {
	assert.Equal(t, FormatEvent(&ddp.ConnectedEvent{Session: "s"}), "* CONNECTED")
	assert.Equal(t, FormatEvent(&ddp.MethodResultEvent{Id: "1", Result: json.RawMessage(`42`)}), "* METHOD RESULT 42")
	assert.Equal(t, FormatEvent(&ddp.MethodResultEvent{Id: "1"}), "")
	assert.Equal(t, FormatEvent(&ddp.MethodResultEvent{
		Id:  "1",
		Err: &ddp.RemoteCallError{Code: float64(404), Reason: "Method not found"},
	}), "* ERROR: Method not found [404]")
	assert.Equal(t, FormatEvent(&ddp.FieldSetEvent{
		Collection: "apps",
		DocumentId: "a1",
		Key:        "name",
		Value:      json.RawMessage(`"foo"`),
	}), `* SET apps a1 name "foo"`)
	assert.Equal(t, FormatEvent(&ddp.FieldUnsetEvent{Collection: "apps", DocumentId: "a1", Key: "name"}), "* UNSET apps a1 name")
	assert.Equal(t, FormatEvent(&ddp.SubReadyEvent{Id: "2"}), "* SUB COMPLETE")
	assert.Equal(t, FormatEvent(&ddp.NoSubEvent{Err: &ddp.NoSuchSubscriptionError{Id: "2"}}), "* NO SUCH SUB")
	assert.Equal(t, FormatEvent(&ddp.ClosedEvent{
		Err: &ddp.TransportError{Op: "close", Code: 1001, Reason: "bye"},
	}), "* CONNECTION CLOSED 1001 bye")
}
