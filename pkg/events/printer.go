package events

import (
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
)

// StepPrinterFunc returns a watermill handler that renders stream
// events to w as they arrive: tokens are written incrementally, the
// final event closes the line, sources print as a compact footer.
func StepPrinterFunc(name string, w io.Writer) func(msg *message.Message) error {
	isFirst := true

	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}

		switch p_ := e.(type) {
		case *EventPartial:
			if isFirst && name != "" {
				isFirst = false
				_, err = fmt.Fprintf(w, "\n%s: \n", name)
				if err != nil {
					return err
				}
			}
			_, err = fmt.Fprintf(w, "%s", p_.Delta)
			if err != nil {
				return err
			}

		case *EventFinal:
			if !strings.HasSuffix(p_.Text, "\n") {
				if _, err := fmt.Fprintf(w, "\n"); err != nil {
					return err
				}
			}
			for _, s := range p_.Sources {
				loc := s.FileName
				if s.PageNumber != nil {
					loc = fmt.Sprintf("%s p.%d", loc, *s.PageNumber)
				}
				if _, err := fmt.Fprintf(w, "  [%s] %s\n", s.Type, loc); err != nil {
					return err
				}
			}

		case *EventError:
			if _, err := fmt.Fprintf(w, "\nerror: %s\n", p_.ErrorString); err != nil {
				return err
			}

		case *EventInterrupt:
			if _, err := fmt.Fprintf(w, "\n(interrupted)\n"); err != nil {
				return err
			}
		}

		return nil
	}
}
