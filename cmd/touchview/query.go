package main

import (
	"encoding/json"
	"fmt"

	"github.com/couchbaselabs/touchview"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Query flags that take JSON values.
var jsonQueryFlags = []string{"key", "keys", "startkey", "endkey"}

// Query flags that take plain values.
var plainQueryFlags = []string{"inclusive_end", "descending", "skip", "limit", "group", "group_level", "reduce", "stale", "include_docs"}

func (c *cli) newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <view>",
		Short: "Queries a view and prints the result",
		Args:  cobra.ExactArgs(1),
		RunE:  c.withDatabase(c.runQuery),
	}
	flags := cmd.Flags()
	flags.String("key", "", "only rows with this key (JSON)")
	flags.String("keys", "", "only rows with these keys (JSON array)")
	flags.String("startkey", "", "first key of the range (JSON)")
	flags.String("endkey", "", "last key of the range (JSON)")
	flags.Bool("inclusive_end", true, "include rows whose key equals endkey")
	flags.Bool("descending", false, "return rows in descending order")
	flags.Int("skip", 0, "number of rows to skip")
	flags.Int("limit", 0, "maximum number of rows (0 = no limit)")
	flags.Bool("group", false, "group reduced rows by key")
	flags.Int("group_level", 0, "group reduced rows by this many array key elements")
	flags.Bool("reduce", true, "apply the reduce function")
	flags.String("stale", "false", "false, ok or update_after")
	flags.Bool("include_docs", false, "include each row's document")
	return cmd
}

// Converts the flags that were set into query parameters.
func queryParams(flags *pflag.FlagSet) map[string]interface{} {
	params := map[string]interface{}{}
	for _, name := range jsonQueryFlags {
		if flags.Changed(name) {
			value, _ := flags.GetString(name)
			params[name] = json.RawMessage(value)
		}
	}
	for _, name := range plainQueryFlags {
		if flags.Changed(name) {
			params[name] = flags.Lookup(name).Value.String()
		}
	}
	return params
}

func (c *cli) runQuery(db *touchview.Database, cmd *cobra.Command, args []string) error {
	view := db.GetExistingView(args[0])
	if view == nil {
		return fmt.Errorf("no such view %q", args[0])
	}
	opts, err := touchview.ParseQueryParams(queryParams(cmd.Flags()))
	if err != nil {
		return err
	}
	result, err := view.Query(opts)
	if err != nil {
		return err
	}
	return c.print(result)
}
