package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"nostr-relaycore/internal/nostr"
	"nostr-relaycore/internal/types"
)

func newDiscoverCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Compute the second-degree network and its relay cover",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			s, closeSession, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer closeSession()

			snap, err := s.RefreshNetwork(ctx)
			if snap == nil {
				return err
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "using last snapshot: %v\n", err)
			}

			st := snap.Stats
			fmt.Printf("first degree %d, candidates %d, qualified %d, with relays %d, assigned %d\n",
				st.FirstDegree, st.Candidates, st.Qualified, st.WithRelays, st.Assigned)
			byRelay := snap.AuthorsByRelay()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RELAY\tCOVERS\tASSIGNED")
			for _, r := range snap.Relays {
				fmt.Fprintf(w, "%s\t%d\t%d\n", r.URL, r.Covered, len(byRelay[r.URL]))
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Give up after this long")
	return cmd
}

func newRouteCommand() *cobra.Command {
	var (
		authors []string
		kinds   []int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Show which relays the outbox model picks for authors",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			s, closeSession, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer closeSession()

			pks, err := parsePubkeys(authors)
			if err != nil {
				return err
			}
			if len(pks) == 0 {
				lists, err := s.FollowLists(ctx, []string{s.Owner()})
				if err != nil {
					return err
				}
				pks = lists[s.Owner()]
			}
			if _, err := s.WriteRelays(ctx, pks); err != nil {
				return err
			}

			plan := s.Router().Plan(pks)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RELAY\tAUTHORS")
			for _, route := range plan.Routes {
				fmt.Fprintf(w, "%s\t%d\n", route.Relay, len(route.Authors))
			}
			if len(plan.Uncovered) > 0 {
				fmt.Fprintf(w, "(fallback: %d relays)\t%d\n", len(plan.Fallback), len(plan.Uncovered))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			parts := plan.Parts("route", types.Filter{Kinds: kinds}, cfg.Outbox.MaxAuthorsPerFilter)
			fmt.Printf("%d authors, %d relays, %d wire subscriptions\n", len(pks), len(plan.Relays()), len(parts))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&authors, "authors", nil, "Authors to route (default: the account's follows)")
	cmd.Flags().IntSliceVar(&kinds, "kinds", []int{nostr.KindTextNote}, "Kinds of the routed filter")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Give up after this long")
	return cmd
}

func newPublishCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "publish [content]",
		Short: "Publish a text note to the account's write relays",
		Long:  "Publish a text note. The secret key is read from RELAYCORE_SECRET_KEY.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			s, closeSession, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer closeSession()

			res, err := s.Publish(ctx, &types.Event{Kind: nostr.KindTextNote, Content: args[0]})
			for _, relay := range res.Accepted {
				fmt.Printf("✅ %s\n", relay)
			}
			relays := make([]string, 0, len(res.Rejected))
			for relay := range res.Rejected {
				relays = append(relays, relay)
			}
			sort.Strings(relays)
			for _, relay := range relays {
				fmt.Printf("❌ %s: %s\n", relay, res.Rejected[relay])
			}
			if err != nil {
				return err
			}
			fmt.Printf("Published %s\n", res.EventID)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Connect the pinned relays and print their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), wait+10*time.Second)
			defer cancel()

			s, closeSession, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer closeSession()

			waitCtx, waitCancel := context.WithTimeout(ctx, wait)
			_ = s.Pool().WaitForConnected(waitCtx, len(s.PinnedRelays()))
			waitCancel()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RELAY\tTIER\tSTATE\tSCORE\tSUBS")
			for _, st := range s.Pool().Statuses() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
					st.URL, st.Tier, st.State, s.Pool().Health().Score(st.URL), st.OpenSubs)
			}
			for _, url := range s.Pool().Blocked() {
				fmt.Fprintf(w, "%s\tblocked\t-\t-\t-\n", url)
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "How long to wait for connections")
	return cmd
}
