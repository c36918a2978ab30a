package events

import (
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"gopkg.in/yaml.v3"
)

// PrinterOptions tunes StepPrinterFunc.
type PrinterOptions struct {
	// Name is printed once before the first content delta.
	Name          string
	ShowReasoning bool
	// ShowMetadata prints the final metadata (model, timings) as YAML.
	ShowMetadata bool
}

// StepPrinterFunc returns a watermill handler that streams a generation's
// events to w as plain text.
func StepPrinterFunc(opts PrinterOptions, w io.Writer) func(msg *message.Message) error {
	isFirst := true
	thinking := false

	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}

		switch p_ := e.(type) {
		case *EventError:
			_, err = fmt.Fprintf(w, "\n[error] %s\n", p_.ErrorString)
			return err

		case *EventThinkingPartial:
			if !opts.ShowReasoning {
				return nil
			}
			if !thinking {
				thinking = true
				if _, err := fmt.Fprintf(w, "\n--- Thinking started ---\n"); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintf(w, "%s", p_.Delta)
			return err

		case *EventPartialCompletion:
			if thinking {
				thinking = false
				if _, err := fmt.Fprintf(w, "\n--- Thinking ended ---\n"); err != nil {
					return err
				}
			}
			if isFirst && opts.Name != "" {
				isFirst = false
				_, err = fmt.Fprintf(w, "\n%s: \n", opts.Name)
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
				_, err = fmt.Fprintf(w, "\n")
				if err != nil {
					return err
				}
			}
			return printMetadata(opts, w, p_.Metadata())

		case *EventInterrupt:
			if _, err := fmt.Fprintf(w, "\n[interrupted, kept %d characters]\n", len(p_.Text)); err != nil {
				return err
			}
			return printMetadata(opts, w, p_.Metadata())

		case *EventDropped:
			_, err = fmt.Fprintf(w, "\n[no content generated]\n")
			return err

		case *EventPartialCompletionStart:
		}

		return nil
	}
}

func printMetadata(opts PrinterOptions, w io.Writer, meta EventMetadata) error {
	if !opts.ShowMetadata {
		return nil
	}
	v_, err := yaml.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", v_)
	return err
}
