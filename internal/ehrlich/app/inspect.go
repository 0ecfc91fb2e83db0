package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/nmattis/ehrlichgpt/internal/ehrlich/store"
)

// errNoChannel is returned when inspecting a channel the bot never saw.
var errNoChannel = errors.New("app: channel has no stored memory")

// WriteChannelMemory prints the stored memory of channelID: history size,
// summarization progress, active memory and the long-term narrative.
func WriteChannelMemory(ctx context.Context, st *store.Store, channelID string, w io.Writer) error {
	state, found, err := st.LoadMemoryState(ctx, channelID)
	if err != nil {
		return err
	}
	messages, err := st.CountMessages(ctx, channelID)
	if err != nil {
		return err
	}
	if !found && messages == 0 {
		return fmt.Errorf("%w: %s", errNoChannel, channelID)
	}

	fmt.Fprintf(w, "Channel:      %s\n", channelID)
	fmt.Fprintf(w, "Messages:     %s (%s summarized)\n",
		humanize.Comma(int64(messages)), humanize.Comma(int64(state.Cursor)))
	if found {
		fmt.Fprintf(w, "Updated:      %s\n", humanize.Time(state.UpdatedAt))
	}
	fmt.Fprintf(w, "\nActive memory (%d fragments):\n", len(state.Fragments))
	for _, f := range state.Fragments {
		fmt.Fprintf(w, "  - %s\n", f.Text)
	}
	fmt.Fprintln(w, "\nLong-term memory:")
	if state.LongTerm == "" {
		fmt.Fprintln(w, "  (none)")
	} else {
		fmt.Fprintf(w, "  %s\n", state.LongTerm)
	}
	return nil
}

// ListStoredChannels returns every channel with stored history or memory.
func ListStoredChannels(ctx context.Context, st *store.Store) ([]string, error) {
	return st.ListChannels(ctx)
}
