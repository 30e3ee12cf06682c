package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/solatis/condfmt/internal/rules"
	"github.com/solatis/condfmt/internal/types"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List and edit conditional formatting rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the rules of a column, the rows or a field",
	RunE: withRules(func(ctx context.Context, cmd *cobra.Command, svc *rules.Service, doc, table string, target types.Target) (interface{}, error) {
		return svc.ListRules(ctx, doc, table, target)
	}),
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Append a rule",
	RunE: withRules(func(ctx context.Context, cmd *cobra.Command, svc *rules.Service, doc, table string, target types.Target) (interface{}, error) {
		return svc.AddRule(ctx, doc, table, target, ruleFromFlags(cmd))
	}),
}

var rulesUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Replace the formula and style of the rule at --index",
	RunE: withRules(func(ctx context.Context, cmd *cobra.Command, svc *rules.Service, doc, table string, target types.Target) (interface{}, error) {
		index, _ := cmd.Flags().GetInt("index")
		return svc.UpdateRule(ctx, doc, table, target, index, ruleFromFlags(cmd))
	}),
}

var rulesRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the rule at --index; later rules shift down",
	RunE: withRules(func(ctx context.Context, cmd *cobra.Command, svc *rules.Service, doc, table string, target types.Target) (interface{}, error) {
		index, _ := cmd.Flags().GetInt("index")
		return svc.RemoveRule(ctx, doc, table, target, index)
	}),
}

var rulesReplaceCmd = &cobra.Command{
	Use:   "replace",
	Short: "Replace every rule with the list in --file (YAML, - for stdin)",
	RunE: withRules(func(ctx context.Context, cmd *cobra.Command, svc *rules.Service, doc, table string, target types.Target) (interface{}, error) {
		path, _ := cmd.Flags().GetString("file")
		in, err := readRulesFile(cmd.InOrStdin(), path)
		if err != nil {
			return nil, err
		}
		if len(in) > cfg.Server.MaxBatchSize {
			return nil, fmt.Errorf("%d rules exceeds max_batch_size %d", len(in), cfg.Server.MaxBatchSize)
		}
		return svc.ReplaceAllRules(ctx, doc, table, target, in)
	}),
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	for _, c := range []*cobra.Command{rulesListCmd, rulesAddCmd, rulesUpdateCmd, rulesRemoveCmd, rulesReplaceCmd} {
		rulesCmd.AddCommand(c)
		c.Flags().String("doc", "", "document id")
		c.Flags().String("table", "", "table id")
		c.Flags().String("scope", string(types.ScopeColumn), "rule scope (column, row, field)")
		c.Flags().String("col", "", "column id (column scope)")
		c.Flags().Int64("section", 0, "view section id (field scope)")
		c.Flags().String("field", "", "column id of the field (field scope)")
		_ = c.MarkFlagRequired("doc")
		_ = c.MarkFlagRequired("table")
	}
	for _, c := range []*cobra.Command{rulesAddCmd, rulesUpdateCmd} {
		c.Flags().String("formula", "", "rule condition, e.g. '$Amount > 100'")
		c.Flags().String("fill", "", "fill color (#RRGGBB)")
		c.Flags().String("text-color", "", "text color (#RRGGBB)")
		c.Flags().Bool("bold", false, "bold text")
		c.Flags().Bool("italic", false, "italic text")
		c.Flags().Bool("underline", false, "underlined text")
		c.Flags().Bool("strikethrough", false, "struck-through text")
		_ = c.MarkFlagRequired("formula")
	}
	for _, c := range []*cobra.Command{rulesUpdateCmd, rulesRemoveCmd} {
		c.Flags().Int("index", 0, "zero-based rule index")
		_ = c.MarkFlagRequired("index")
	}
	rulesReplaceCmd.Flags().String("file", "", "YAML file with a top-level 'rules' list")
	_ = rulesReplaceCmd.MarkFlagRequired("file")
}

type rulesRun func(ctx context.Context, cmd *cobra.Command, svc *rules.Service, doc, table string, target types.Target) (interface{}, error)

// withRules opens the configured backend, builds the rule manager and prints
// the operation result as JSON.
func withRules(run rulesRun) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		api, release, err := openBackend(cfg)
		if err != nil {
			return err
		}
		defer release()

		svc, err := rules.NewService(api, rules.WithLogger(logger))
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		doc, _ := flags.GetString("doc")
		table, _ := flags.GetString("table")
		target, err := targetFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Server.RequestTimeout)
		defer cancel()
		result, err := run(ctx, cmd, svc, doc, table, target)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	}
}

func targetFromFlags(cmd *cobra.Command) (types.Target, error) {
	flags := cmd.Flags()
	scope, _ := flags.GetString("scope")
	col, _ := flags.GetString("col")
	section, _ := flags.GetInt64("section")
	field, _ := flags.GetString("field")

	target := types.Target{Scope: types.Scope(scope)}
	switch target.Scope {
	case types.ScopeColumn:
		target.ColID = col
	case types.ScopeField:
		target.SectionID = section
		target.FieldColID = field
	}
	return target, target.Validate()
}

// ruleFromFlags builds a rule; style flags left unset stay unset.
func ruleFromFlags(cmd *cobra.Command) types.RuleInput {
	flags := cmd.Flags()
	formula, _ := flags.GetString("formula")
	in := types.RuleInput{Formula: formula}

	if flags.Changed("fill") {
		v, _ := flags.GetString("fill")
		in.Style.FillColor = &v
	}
	if flags.Changed("text-color") {
		v, _ := flags.GetString("text-color")
		in.Style.TextColor = &v
	}
	for name, dst := range map[string]**bool{
		"bold":          &in.Style.FontBold,
		"italic":        &in.Style.FontItalic,
		"underline":     &in.Style.FontUnderline,
		"strikethrough": &in.Style.FontStrikethrough,
	} {
		if flags.Changed(name) {
			v, _ := flags.GetBool(name)
			*dst = &v
		}
	}
	return in
}

// rulesFile is the document read by `rules replace`.
type rulesFile struct {
	Rules []types.RuleInput `yaml:"rules"`
}

func readRulesFile(stdin io.Reader, path string) ([]types.RuleInput, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open rules file: %w", err)
		}
		defer f.Close()
		r = f
	}
	return parseRules(r)
}

// parseRules decodes a rules file, rejecting unknown keys.
func parseRules(r io.Reader) ([]types.RuleInput, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var file rulesFile
	if err := dec.Decode(&file); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	return file.Rules, nil
}
