package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agenthands/readbuddy/internal/graph"
	"github.com/agenthands/readbuddy/internal/session"
)

var statsCmd = &cobra.Command{
	Use:   "stats [doc-id]",
	Short: "Show graph counts, overall or for one document",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := graph.Open(cfg.Knowledge.GraphPath(), graph.WithLogger(log))
		if err != nil {
			return err
		}
		defer g.Close()

		if len(args) == 0 {
			nodes, edges, err := g.Counts(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"nodes": nodes, "edges": edges})
		}
		st, err := g.DocStats(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

var strugglesCmd = &cobra.Command{
	Use:   "struggles [doc-id]",
	Short: "List the pages readers of a document got stuck or tired on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := session.Open(cfg.Knowledge.SessionsPath(), session.WithLogger(log))
		if err != nil {
			return err
		}
		defer s.Close()

		points, err := s.DocStruggleSummary(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(points) == 0 {
			fmt.Println("no struggles recorded")
			return nil
		}
		for _, p := range points {
			fmt.Printf("page %-4d %-6s x%d\n", p.Page, p.State, p.Occurrences)
		}
		return nil
	},
}
