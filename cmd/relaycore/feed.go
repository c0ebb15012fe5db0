package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"nostr-relaycore/internal/client"
	"nostr-relaycore/internal/ingest"
	"nostr-relaycore/internal/nips"
	"nostr-relaycore/internal/nostr"
	"nostr-relaycore/internal/types"
)

func newFeedCommand() *cobra.Command {
	var (
		relay    string
		authors  []string
		limit    int
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Stream the account's feed",
		Long: `Stream the feed of the account's follows through their outbox relays.
With --relay the feed shows everything one relay carries; with --authors it
follows an explicit list instead of the contact list.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := client.FeedMode{Kind: client.ModeFollows, Limit: limit}
			switch {
			case relay != "":
				mode.Kind, mode.Relay = client.ModeRelay, relay
			case len(authors) > 0:
				pks, err := parsePubkeys(authors)
				if err != nil {
					return err
				}
				mode.Kind, mode.Authors = client.ModeList, pks
			}
			return runFeed(cmd.Context(), mode, duration)
		},
	}
	cmd.Flags().StringVar(&relay, "relay", "", "Show a single relay's feed")
	cmd.Flags().StringSliceVar(&authors, "authors", nil, "Follow these authors (hex or npub) instead of the contact list")
	cmd.Flags().IntVar(&limit, "limit", 50, "Initial events per filter")
	cmd.Flags().DurationVar(&duration, "for", 0, "Stop after this long (default: until interrupted)")
	return cmd
}

func runFeed(parent context.Context, mode client.FeedMode, duration time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	s, closeSession, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer closeSession()

	updates, unsubscribe := s.Ingest().Subscribe()
	defer unsubscribe()

	res, err := s.SetFeedMode(ctx, mode)
	if err != nil {
		return err
	}
	fmt.Printf("%s feed %s: %d relays targeted, %d/%d EOSE",
		mode.Kind, res.ID, len(res.Targeted), res.Quorum.Count, res.Quorum.Target)
	if res.Quorum.TimedOut {
		fmt.Print(" (timed out)")
	}
	if len(res.Uncovered) > 0 {
		fmt.Printf(", %d authors without relay list", len(res.Uncovered))
	}
	fmt.Println()

	printed := make(map[string]bool)
	printNew := func() {
		feed := s.Ingest().Feed(mode.Limit)
		for i := len(feed) - 1; i >= 0; i-- {
			if !printed[feed[i].ID] {
				printed[feed[i].ID] = true
				printEvent(s.Ingest(), feed[i])
			}
		}
	}
	printNew()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.Feed {
				printNew()
			}
			for _, target := range u.Targets {
				if sum := s.Ingest().Reactions(target); sum.Count > 0 {
					fmt.Printf("  %s: %d reactions\n", nostr.ShortID(target), sum.Count)
				}
			}
		}
	}
}

func printEvent(c *ingest.Cache, evt types.Event) {
	author, err := nips.EncodePubkey(evt.PubKey)
	if err != nil {
		author = nostr.ShortID(evt.PubKey)
	}
	content := strings.ReplaceAll(evt.Content, "\n", " ")
	if len(content) > 120 {
		content = content[:117] + "..."
	}
	fmt.Printf("[%s] %s %s (via %d relays)\n  %s\n",
		time.Unix(evt.CreatedAt, 0).Format(time.DateTime),
		nostr.ShortID(evt.ID),
		author,
		len(c.Relays(evt.ID)),
		content)
}

func parsePubkeys(inputs []string) ([]string, error) {
	out := make([]string, 0, len(inputs))
	for _, in := range inputs {
		pk, err := nips.ParsePubkey(in)
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}
