package tracker

import "context"

type fanout []Notifier

// Fanout delivers each notification to every non-nil notifier in order.
func Fanout(notifiers ...Notifier) Notifier {
	out := make(fanout, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (f fanout) Notify(ctx context.Context, n Notification) {
	for _, sink := range f {
		sink.Notify(ctx, n)
	}
}
