package imap

import (
	"context"
	"fmt"

	"github.com/infodancer/mailgw/internal/mailstore"
)

// IdleHandle is returned by EnterIdle; the caller calls Next until
// DONE arrives on the connection, then calls Stop.
type IdleHandle struct {
	sink   chan mailstore.Event
	cookie int
	folder mailstore.Folder
	view   *MailboxView
}

// EnterIdle registers a notification sink on the selected folder and
// returns a handle the caller drains until DONE, per §4.J.
func EnterIdle(folder mailstore.Folder, view *MailboxView) (*IdleHandle, error) {
	sink := make(chan mailstore.Event, 64)
	cookie, err := folder.SubscribeNotify(sink)
	if err != nil {
		return nil, err
	}
	return &IdleHandle{sink: sink, cookie: cookie, folder: folder, view: view}, nil
}

// Stop unregisters the notification sink.
func (h *IdleHandle) Stop() error {
	return h.folder.Unsubscribe(h.cookie)
}

// Next blocks until the next store event or ctx cancellation, applies
// it to the view, and returns the untagged response lines to write (in
// order), per §4.J steps 3-6. io errors from a concurrent Refresh are
// returned as-is.
func (h *IdleHandle) Next(ctx context.Context) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-h.sink:
		if !ok {
			return nil, fmt.Errorf("imap: idle notification channel closed")
		}
		return h.apply(ctx, ev)
	}
}

func (h *IdleHandle) apply(ctx context.Context, ev mailstore.Event) ([]string, error) {
	switch ev.Kind {
	case mailstore.EventExists:
		lines, err := h.view.Refresh(ctx, false, true)
		return responseLines(lines), err
	case mailstore.EventExpunge:
		seq := h.view.SeqOf(ev.UID)
		if seq == 0 {
			return nil, nil
		}
		lines, err := h.view.Refresh(ctx, false, true)
		return responseLines(lines), err
	case mailstore.EventFlagsChanged:
		lines, err := h.view.Refresh(ctx, false, true)
		return responseLines(lines), err
	default:
		lines, err := h.view.Refresh(ctx, false, true)
		return responseLines(lines), err
	}
}

func responseLines(resp []FetchResponse) []string {
	out := make([]string, len(resp))
	for i, r := range resp {
		out[i] = r.Line
	}
	return out
}
