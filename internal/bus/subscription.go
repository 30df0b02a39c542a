package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// signalBuffer is sized so that godbus can deliver in order without spawning
// a goroutine per signal, which would lose the arrival order.
const signalBuffer = 64

// Rule selects the signals delivered to a subscription.
type Rule struct {
	Interface     string
	Member        string
	Path          dbus.ObjectPath
	PathNamespace dbus.ObjectPath
	Arg0          string
}

// Matches checks whether a signal is selected by the rule.
func (r Rule) Matches(sig *dbus.Signal) bool {
	if sig == nil {
		return false
	}

	if r.Member != "" {
		if sig.Name != r.Interface+"."+r.Member {
			return false
		}
	} else if r.Interface != "" && !strings.HasPrefix(sig.Name, r.Interface+".") {
		return false
	}

	if r.Path != "" && sig.Path != r.Path {
		return false
	}

	if r.PathNamespace != "" && sig.Path != r.PathNamespace && !strings.HasPrefix(string(sig.Path), string(r.PathNamespace)+"/") {
		return false
	}

	if r.Arg0 != "" {
		if len(sig.Body) == 0 {
			return false
		}

		arg0, ok := sig.Body[0].(string)
		if !ok || arg0 != r.Arg0 {
			return false
		}
	}

	return true
}

func (r Rule) options(sender string) []dbus.MatchOption {
	options := []dbus.MatchOption{dbus.WithMatchSender(sender)}

	if r.Interface != "" {
		options = append(options, dbus.WithMatchInterface(r.Interface))
	}

	if r.Member != "" {
		options = append(options, dbus.WithMatchMember(r.Member))
	}

	if r.Path != "" {
		options = append(options, dbus.WithMatchObjectPath(r.Path))
	}

	if r.PathNamespace != "" {
		options = append(options, dbus.WithMatchPathNamespace(r.PathNamespace))
	}

	if r.Arg0 != "" {
		options = append(options, dbus.WithMatchArg(0, r.Arg0))
	}

	return options
}

// Subscription represents a live signal subscription.
//
// C is closed when the bus connection goes away. Close must be called to release
// the subscription once the consumer loses interest.
type Subscription struct {
	C <-chan *dbus.Signal

	release func()
	once    sync.Once
}

// NewSubscription returns a subscription delivering on c and calling release on Close.
func NewSubscription(c <-chan *dbus.Signal, release func()) *Subscription {
	return &Subscription{C: c, release: release}
}

// Close releases the subscription. It is safe to call it more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// Subscribe registers a match rule and returns the matching signals.
func (c *Conn) Subscribe(ctx context.Context, rule Rule) (*Subscription, error) {
	options := rule.options(c.service)

	err := c.conn.AddMatchSignalContext(ctx, options...)
	if err != nil {
		return nil, NewServiceError("org.freedesktop.DBus.AddMatch", err)
	}

	raw := make(chan *dbus.Signal, signalBuffer)
	out := make(chan *dbus.Signal, signalBuffer)
	done := make(chan struct{})

	c.conn.Signal(raw)

	// The raw channel receives every signal of the connection, only keep ours.
	go func() {
		defer close(out)

		for {
			select {
			case <-done:
				return
			case sig, ok := <-raw:
				if !ok {
					return
				}

				if !rule.Matches(sig) {
					continue
				}

				select {
				case out <- sig:
				case <-done:
					return
				}
			}
		}
	}()

	release := func() {
		close(done)
		c.conn.RemoveSignal(raw)

		removeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := c.conn.RemoveMatchSignalContext(removeCtx, options...)
		if err != nil && !IsUnavailable(err) {
			slog.Debug("Failed to remove D-Bus match rule", "interface", rule.Interface, "member", rule.Member, "err", err)
		}
	}

	return NewSubscription(out, release), nil
}
