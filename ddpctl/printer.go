package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/charmbracelet/lipgloss"

	"github.com/bringyour/ddp/ddp"
)

// lipgloss drops the colors when stdout is not a terminal
var (
	eventStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	dataStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	rawStyle   = lipgloss.NewStyle().Faint(true)
)

type EventPrinter struct {
	out *log.Logger
}

func NewEventPrinter(out *log.Logger) *EventPrinter {
	return &EventPrinter{
		out: out,
	}
}

func (self *EventPrinter) PrintFrame(outbound bool, frame []byte) {
	if outbound {
		self.out.Printf("%s\n", rawStyle.Render(fmt.Sprintf("[RAW] >> %s", frame)))
	} else {
		self.out.Printf("%s\n", rawStyle.Render(fmt.Sprintf("[RAW] << %s", frame)))
	}
}

func (self *EventPrinter) PrintEvent(event ddp.Event) {
	if line := FormatEvent(event); line != "" {
		self.out.Printf("%s\n", line)
	}
}

// FormatEvent renders one event as a `* ` line. Returns "" for events that are not printed.
func FormatEvent(event ddp.Event) string {
	switch v := event.(type) {
	case *ddp.ConnectedEvent:
		return eventStyle.Render("* CONNECTED")
	case *ddp.MethodResultEvent:
		if v.Err != nil {
			return errorStyle.Render(fmt.Sprintf("* ERROR: %s", v.Err))
		}
		if len(v.Result) == 0 {
			return ""
		}
		return eventStyle.Render(fmt.Sprintf("* METHOD RESULT %s", v.Result))
	case *ddp.FieldSetEvent:
		return dataStyle.Render(fmt.Sprintf("* SET %s %s %s %s", v.Collection, v.DocumentId, v.Key, v.Value))
	case *ddp.FieldUnsetEvent:
		return dataStyle.Render(fmt.Sprintf("* UNSET %s %s %s", v.Collection, v.DocumentId, v.Key))
	case *ddp.DocumentRemovedEvent:
		return dataStyle.Render(fmt.Sprintf("* REMOVED %s %s", v.Collection, v.DocumentId))
	case *ddp.SubReadyEvent:
		return eventStyle.Render("* SUB COMPLETE")
	case *ddp.NoSubEvent:
		if v.Err != nil && v.Err.Err != nil {
			return errorStyle.Render(fmt.Sprintf("* NO SUCH SUB: %s", v.Err.Err))
		}
		return errorStyle.Render("* NO SUCH SUB")
	case *ddp.ProtocolErrorEvent:
		return errorStyle.Render(fmt.Sprintf("* ERROR: %s", v.Err.Reason))
	case *ddp.ClosedEvent:
		var transportErr *ddp.TransportError
		if errors.As(v.Err, &transportErr) && transportErr.Code != 0 {
			return eventStyle.Render(fmt.Sprintf("* CONNECTION CLOSED %d %s", transportErr.Code, transportErr.Reason))
		}
		if v.Err != nil {
			return eventStyle.Render(fmt.Sprintf("* CONNECTION CLOSED %s", v.Err))
		}
		return eventStyle.Render("* CONNECTION CLOSED")
	default:
		return ""
	}
}
