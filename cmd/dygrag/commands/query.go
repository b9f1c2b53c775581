package commands

import (
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/dygrag/pkg/query"

	"github.com/spf13/cobra"
)

var (
	paramFile    string
	contextOnly  bool
	startTime    string
	endTime      string
	entities     []string
	topK         int
	tokenBudget  int
	responseType string
	showSources  bool
)

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Answer a question from the index",
	Long: `Answer a question from the index.

Parameters start from the defaults, then --param (a YAML or JSON file with
the query parameter fields), then the individual flags.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		param, err := buildParam(cmd)
		if err != nil {
			return err
		}

		ctx, eng, closeFn, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		res, err := eng.Query(ctx, strings.Join(args, " "), param)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, res.Answer)
		if showSources && len(res.Sources) > 0 {
			fmt.Fprintln(out)
			for _, s := range res.Sources {
				fmt.Fprintf(out, "- %s (%s) chunk %s, similarity %.3f\n", s.DocTitle, s.DocID, s.ChunkID, s.Similarity)
			}
		}
		return nil
	},
}

func init() {
	f := queryCmd.Flags()
	f.StringVar(&paramFile, "param", "", "query parameter file (YAML or JSON)")
	f.BoolVar(&contextOnly, "context-only", false, "print the assembled context instead of an answer")
	f.StringVar(&startTime, "start", "", "start of the time window")
	f.StringVar(&endTime, "end", "", "end of the time window")
	f.StringSliceVar(&entities, "entity", nil, "restrict to what is reachable from these entities")
	f.IntVar(&topK, "top-k", 0, "maximum number of text units")
	f.IntVar(&tokenBudget, "max-tokens", 0, "token budget for text units")
	f.StringVar(&responseType, "response-type", "", "desired answer style")
	f.BoolVar(&showSources, "sources", false, "list the text units used")
}

func buildParam(cmd *cobra.Command) (query.Param, error) {
	param := query.DefaultParam()
	if paramFile != "" {
		if err := loadRequest(paramFile, &param); err != nil {
			return param, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("context-only") {
		param.OnlyNeedContext = contextOnly
	}
	if flags.Changed("start") {
		param.TimeConstraints.StartTime = startTime
	}
	if flags.Changed("end") {
		param.TimeConstraints.EndTime = endTime
	}
	if flags.Changed("entity") {
		param.Entities = entities
	}
	if flags.Changed("top-k") {
		param.TopK = topK
	}
	if flags.Changed("max-tokens") {
		param.MaxTokenForTextUnit = tokenBudget
	}
	if flags.Changed("response-type") {
		param.ResponseType = responseType
	}
	return param, nil
}
