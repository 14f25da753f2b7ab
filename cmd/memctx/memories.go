package main

import (
	"encoding/json"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/cobra"

	"github.com/Protocol-Lattice/memctx/src/memory"
	"github.com/Protocol-Lattice/memctx/src/memory/engine"
	"github.com/Protocol-Lattice/memctx/src/memory/model"
)

func NewIngestCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <content>",
		Short: "Store a memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			org, user := scope(cmd)
			typ, _ := cmd.Flags().GetString("type")
			importance, _ := cmd.Flags().GetFloat64("importance")
			rawMeta, _ := cmd.Flags().GetString("metadata")
			req := memory.IngestRequest{
				Content:         strings.Join(args, " "),
				Type:            model.MemoryType(typ),
				OrganizationID:  org,
				UserID:          user,
				ImportanceScore: importance,
			}
			if rawMeta != "" {
				if err := json.Unmarshal([]byte(rawMeta), &req.Metadata); err != nil {
					return goerr.Wrap(err, "parse --metadata")
				}
			}
			rec, err := sys.Engine.Ingest(cmd.Context(), req)
			if err != nil {
				return err
			}
			rec.Embedding = nil
			return writeJSON(cmd, rec)
		},
	}
	cmd.Flags().String("type", string(model.TypeFact), "Memory type")
	cmd.Flags().Float64("importance", 0.5, "Importance score in [0,1]")
	cmd.Flags().String("metadata", "", "Metadata as a JSON object")
	return cmd
}

func NewSearchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Rank memories for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			org, user := scope(cmd)
			results, err := sys.Engine.Search(cmd.Context(), strings.Join(args, " "), org, user, overrideFromFlags(cmd))
			if err != nil {
				return err
			}
			return writeJSON(cmd, stripEmbeddings(results))
		},
	}
	addOverrideFlags(cmd)
	return cmd
}

func NewContextCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context <query>",
		Short: "Assemble and persist a context",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			org, user := scope(cmd)
			agent, _ := cmd.Flags().GetString("agent")
			conversation, _ := cmd.Flags().GetString("conversation")
			c, err := sys.Engine.GetContext(cmd.Context(), engine.ContextRequest{
				Query:          strings.Join(args, " "),
				OrganizationID: org,
				UserID:         user,
				AgentID:        agent,
				ConversationID: conversation,
				Override:       overrideFromFlags(cmd),
			})
			if err != nil {
				return err
			}
			for i := range c.Memories {
				c.Memories[i].Embedding = nil
			}
			return writeJSON(cmd, c)
		},
	}
	cmd.Flags().String("agent", "", "Agent id recorded on the context")
	cmd.Flags().String("conversation", "", "Conversation id recorded on the context")
	addOverrideFlags(cmd)
	cmd.Flags().Int("max-tokens", 0, "Token budget override")
	cmd.Flags().String("strategy", "", "Prioritization strategy: importance, recency or hybrid")
	cmd.Flags().Bool("compress", false, "Compress long memories before budgeting")
	cmd.Flags().Bool("expand", false, "Expand top results through their relationships")
	return cmd
}

func NewShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <context-id>",
		Short: "Print a persisted context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			org, _ := scope(cmd)
			c, err := sys.Engine.GetContextByID(cmd.Context(), args[0], org)
			if err != nil {
				return err
			}
			if c == nil {
				return goerr.Wrap(memory.ErrContextNotFound, "show", goerr.V("context", args[0]))
			}
			return writeJSON(cmd, c)
		},
	}
}

func NewRelatedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "related <memory-id>",
		Short: "List memories related to a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			org, user := scope(cmd)
			related, err := sys.Engine.FindRelatedMemories(cmd.Context(), args[0], org, user)
			if err != nil {
				return err
			}
			return writeJSON(cmd, stripEmbeddings(related))
		},
	}
}

func NewAmendCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "amend <context-id>",
		Short: "Attach feedback to a persisted context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			org, user := scope(cmd)
			fb := model.Feedback{UserID: user}
			if cmd.Flags().Changed("useful") {
				useful, _ := cmd.Flags().GetBool("useful")
				fb.Useful = &useful
			}
			if cmd.Flags().Changed("relevance") {
				rel, _ := cmd.Flags().GetFloat64("relevance")
				fb.Relevance = &rel
			}
			fb.Helpful, _ = cmd.Flags().GetStringSlice("helpful")
			fb.Irrelevant, _ = cmd.Flags().GetStringSlice("irrelevant")
			fb.Comment, _ = cmd.Flags().GetString("comment")
			if err := sys.Engine.AmendContext(cmd.Context(), args[0], fb, org); err != nil {
				return err
			}
			return writeJSON(cmd, map[string]any{"contextId": args[0], "amended": true})
		},
	}
	cmd.Flags().Bool("useful", false, "Whether the context was useful")
	cmd.Flags().Float64("relevance", 0, "Relevance rating in [0,1]")
	cmd.Flags().StringSlice("helpful", nil, "Ids of helpful memories")
	cmd.Flags().StringSlice("irrelevant", nil, "Ids of irrelevant memories")
	cmd.Flags().String("comment", "", "Free-form comment")
	return cmd
}

func NewSupersedeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "supersede <memory-id> <content>",
		Short: "Record a correction that replaces a memory",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			org, _ := scope(cmd)
			rec, err := sys.Engine.Supersede(cmd.Context(), org, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			rec.Embedding = nil
			return writeJSON(cmd, rec)
		},
	}
}

func NewLinkCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link <source-id> <target-id>",
		Short: "Relate two memories",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			org, _ := scope(cmd)
			rel, _ := cmd.Flags().GetString("type")
			edge := model.RelationshipEdge{
				SourceMemoryID:   args[0],
				TargetMemoryID:   args[1],
				RelationshipType: model.RelationshipType(rel),
				OrganizationID:   org,
			}
			if err := sys.Engine.Link(cmd.Context(), edge); err != nil {
				return err
			}
			return writeJSON(cmd, edge)
		},
	}
	cmd.Flags().String("type", string(model.RelRelatedTo), "Relationship type")
	return cmd
}

func addOverrideFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("number", "n", 0, "Maximum results override")
	cmd.Flags().Float64("vector-weight", 0, "Vector weight override")
	cmd.Flags().Float64("keyword-weight", 0, "Keyword weight override")
	cmd.Flags().Float64("min-similarity", 0, "Relevance floor override")
	cmd.Flags().Bool("temporal", false, "Enable temporal weighting")
}

// overrideFromFlags turns explicitly set flags into a config override.
func overrideFromFlags(cmd *cobra.Command) *engine.ConfigOverride {
	var o engine.ConfigOverride
	set := false
	f := cmd.Flags()
	if f.Changed("number") {
		n, _ := f.GetInt("number")
		o.MaxResults, set = &n, true
	}
	if f.Changed("vector-weight") {
		v, _ := f.GetFloat64("vector-weight")
		o.VectorWeight, set = &v, true
	}
	if f.Changed("keyword-weight") {
		v, _ := f.GetFloat64("keyword-weight")
		o.KeywordWeight, set = &v, true
	}
	if f.Changed("min-similarity") {
		v, _ := f.GetFloat64("min-similarity")
		o.MinVectorSimilarity, set = &v, true
	}
	if f.Changed("temporal") {
		v, _ := f.GetBool("temporal")
		o.UseTemporalWeighting, set = &v, true
	}
	if f.Lookup("max-tokens") != nil && f.Changed("max-tokens") {
		v, _ := f.GetInt("max-tokens")
		o.MaxTokens, set = &v, true
	}
	if f.Lookup("strategy") != nil && f.Changed("strategy") {
		v, _ := f.GetString("strategy")
		s := engine.Strategy(v)
		o.Strategy, set = &s, true
	}
	if f.Lookup("compress") != nil && f.Changed("compress") {
		v, _ := f.GetBool("compress")
		o.Compression, set = &v, true
	}
	if f.Lookup("expand") != nil && f.Changed("expand") {
		v, _ := f.GetBool("expand")
		o.RelationshipExpansion, set = &v, true
	}
	if !set {
		return nil
	}
	return &o
}

func stripEmbeddings(in []model.ScoredMemory) []model.ScoredMemory {
	for i := range in {
		in[i].Embedding = nil
	}
	return in
}
