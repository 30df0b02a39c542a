package events

import (
	"context"
	"fmt"

	"github.com/lxc/incus/v6/shared/revert"
	"golang.org/x/sync/errgroup"

	"github.com/lxc/incus-os/iscsi-bridge/api"
	"github.com/lxc/incus-os/iscsi-bridge/internal/iscsi"
)

// Labels of the sources making up the iSCSI stream.
const (
	SourceNodes     = "iscsi_nodes"
	SourceInitiator = "initiator"
)

// Source is a labelled event stream that gets opened by Merge.
type Source struct {
	Label string
	Open  func(ctx context.Context) (<-chan api.ISCSIEvent, error)
}

// Merge opens all the sources and forwards their events as soon as they arrive.
//
// If any source fails to open, the others are released and the error is returned.
// The returned channel is closed once every source is done or ctx is cancelled.
func Merge(ctx context.Context, sources ...Source) (<-chan api.ISCSIEvent, error) {
	ctx, cancel := context.WithCancel(ctx)

	reverter := revert.New()
	defer reverter.Fail()

	reverter.Add(func() { cancel() })

	inputs := make([]<-chan api.ISCSIEvent, 0, len(sources))

	for _, source := range sources {
		input, err := source.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open the %q event source: %w", source.Label, err)
		}

		inputs = append(inputs, input)
	}

	reverter.Success()

	out := make(chan api.ISCSIEvent)

	g := new(errgroup.Group)

	for i, input := range inputs {
		label := sources[i].Label

		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-input:
					if !ok {
						return nil
					}

					event.Source = label

					select {
					case out <- event:
					case <-ctx.Done():
						return nil
					}
				}
			}
		})
	}

	go func() {
		_ = g.Wait()

		cancel()
		close(out)
	}()

	return out, nil
}

// Translated applies the translator to a raw change stream, dropping what can't be translated.
func Translated(ctx context.Context, changes <-chan RawChange, t Translator) <-chan api.ISCSIEvent {
	out := make(chan api.ISCSIEvent)

	go func() {
		defer close(out)

		for change := range changes {
			event, ok := t.Translate(change)
			if !ok {
				continue
			}

			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// NodesSource returns the source of the iSCSI node collection changes.
func NodesSource(b Bus, objects iscsi.Objects) Source {
	return Source{
		Label: SourceNodes,
		Open: func(ctx context.Context) (<-chan api.ISCSIEvent, error) {
			changes, err := WatchNodes(ctx, b, objects)
			if err != nil {
				return nil, err
			}

			return Translated(ctx, changes, NewTranslator(objects)), nil
		},
	}
}

// InitiatorSource returns the source of the initiator property changes.
func InitiatorSource(b Bus, objects iscsi.Objects) Source {
	return Source{
		Label: SourceInitiator,
		Open: func(ctx context.Context) (<-chan api.ISCSIEvent, error) {
			changes, err := WatchProperties(ctx, b, objects.Root, objects.InitiatorInterface())
			if err != nil {
				return nil, err
			}

			return Translated(ctx, changes, NewTranslator(objects)), nil
		},
	}
}

// Stream returns the merged iSCSI event stream (node collection and initiator changes).
func Stream(ctx context.Context, b Bus, objects iscsi.Objects) (<-chan api.ISCSIEvent, error) {
	return Merge(ctx, NodesSource(b, objects), InitiatorSource(b, objects))
}
