package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/couchbaselabs/touchview"
	"github.com/spf13/cobra"
)

// State shared by the commands of one invocation.
type cli struct {
	out        io.Writer
	configPath string
	verbose    bool
	config     Config
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	rootCmd := &cobra.Command{
		Use:           "touchview",
		Short:         "Builds and queries map/reduce views over a JSON document database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			touchview.Logging = c.verbose
			var err error
			c.config, err = loadConfig(c.configPath)
			return err
		},
	}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "touchview.yaml", "path of the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log what the database is doing")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "load <file.json>",
			Short: "Stores the documents in a JSON array file",
			Args:  cobra.ExactArgs(1),
			RunE:  c.withDatabase(c.runLoad),
		},
		&cobra.Command{
			Use:   "update [view...]",
			Short: "Brings the index of the named views (default all) up to date",
			RunE:  c.withDatabase(c.runUpdate),
		},
		c.newQueryCmd(),
		&cobra.Command{
			Use:   "dump <view>",
			Short: "Prints every row of a view's index",
			Args:  cobra.ExactArgs(1),
			RunE:  c.withDatabase(c.runDump),
		},
		&cobra.Command{
			Use:   "alldocs",
			Short: "Lists all documents",
			Args:  cobra.NoArgs,
			RunE:  c.withDatabase(c.runAllDocs),
		},
		&cobra.Command{
			Use:   "views",
			Short: "Lists the views and their status",
			Args:  cobra.NoArgs,
			RunE:  c.withDatabase(c.runViews),
		},
	)
	return rootCmd
}

type dbRunFunc func(db *touchview.Database, cmd *cobra.Command, args []string) error

// Opens the configured database around a command.
func (c *cli) withDatabase(run dbRunFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		db, err := c.config.open()
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := db.Close(); err == nil {
				err = closeErr
			}
		}()
		return run(db, cmd, args)
	}
}

func (c *cli) print(value interface{}) error {
	encoder := json.NewEncoder(c.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func (c *cli) runLoad(db *touchview.Database, cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var docs []map[string]interface{}
	if err := json.Unmarshal(data, &docs); err != nil {
		return fmt.Errorf("%s must contain a JSON array of objects: %w", args[0], err)
	}
	store, ok := db.Documents().(*touchview.MemoryStore)
	if !ok {
		return fmt.Errorf("database doesn't support loading documents")
	}

	type loaded struct {
		ID  string `json:"id"`
		Rev string `json:"rev"`
	}
	results := make([]loaded, 0, len(docs))
	for _, doc := range docs {
		docID, _ := doc["_id"].(string)
		var prevRevID string
		if docID != "" {
			if current, err := store.GetDocument(docID); err == nil {
				prevRevID = current.RevID
			}
		}
		rev, err := store.Put(docID, doc, prevRevID)
		if err != nil {
			return err
		}
		results = append(results, loaded{ID: rev.DocID, Rev: rev.RevID})
	}
	return c.print(results)
}

func (c *cli) runUpdate(db *touchview.Database, cmd *cobra.Command, args []string) error {
	views, err := c.selectViews(db, args)
	if err != nil {
		return err
	}
	statuses := map[string]string{}
	for _, view := range views {
		status, err := view.UpdateIndex()
		if err != nil {
			return fmt.Errorf("updating %s: %w", view.Name(), err)
		}
		statuses[view.Name()] = status.String()
	}
	return c.print(statuses)
}

func (c *cli) selectViews(db *touchview.Database, names []string) ([]*touchview.View, error) {
	if len(names) == 0 {
		return db.AllViews(), nil
	}
	views := make([]*touchview.View, 0, len(names))
	for _, name := range names {
		view := db.GetExistingView(name)
		if view == nil {
			return nil, fmt.Errorf("no such view %q", name)
		}
		views = append(views, view)
	}
	return views, nil
}

func (c *cli) runDump(db *touchview.Database, cmd *cobra.Command, args []string) error {
	view := db.GetExistingView(args[0])
	if view == nil {
		return fmt.Errorf("no such view %q", args[0])
	}
	if _, err := view.UpdateIndex(); err != nil {
		return err
	}
	rows, err := view.Dump()
	if err != nil {
		return err
	}
	return c.print(rows)
}

func (c *cli) runAllDocs(db *touchview.Database, cmd *cobra.Command, args []string) error {
	result, err := db.AllDocs(nil)
	if err != nil {
		return err
	}
	return c.print(result)
}

func (c *cli) runViews(db *touchview.Database, cmd *cobra.Command, args []string) error {
	type viewInfo struct {
		Name         string `json:"name"`
		ID           int64  `json:"id"`
		Collation    string `json:"collation"`
		LastSequence uint64 `json:"last_sequence"`
		Stale        bool   `json:"stale"`
	}
	infos := []viewInfo{}
	for _, view := range db.AllViews() {
		stale, err := view.IsStale()
		if err != nil {
			return err
		}
		infos = append(infos, viewInfo{
			Name:         view.Name(),
			ID:           view.ID(),
			Collation:    view.Collation().String(),
			LastSequence: view.LastSequence(),
			Stale:        stale,
		})
	}
	return c.print(infos)
}
