package main

import (
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryandielhenn/cerebrate/pkg/kv"
)

type resourceView struct {
	Key      string    `json:"key" yaml:"key"`
	Value    string    `json:"value" yaml:"value"`
	Modified time.Time `json:"modified" yaml:"modified"`
}

func resourcesCmd(load loader, output *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resources [section]",
		Short: "List resource sections, or the entries of one section",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			store, err := kv.Open(cfg.Path("resources.db"), nil)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 0 {
				sections, err := store.Sections()
				if err != nil {
					return err
				}
				return emit(os.Stdout, *output, sections, func() string {
					rows := make([][]string, 0, len(sections))
					for _, s := range sections {
						rows = append(rows, []string{s})
					}
					return renderTable([]string{"SECTION"}, rows)
				})
			}

			entries, err := store.Section(args[0])
			if err != nil {
				return err
			}
			views := make([]resourceView, 0, len(entries))
			for k, e := range entries {
				views = append(views, resourceView{Key: k, Value: string(e.Value), Modified: e.Modified})
			}
			sort.Slice(views, func(i, j int) bool { return views[i].Key < views[j].Key })
			return emit(os.Stdout, *output, views, func() string {
				rows := make([][]string, 0, len(views))
				for _, v := range views {
					rows = append(rows, []string{v.Key, v.Value, v.Modified.Local().Format(time.DateTime)})
				}
				return renderTable([]string{"KEY", "VALUE", "MODIFIED"}, rows)
			})
		},
	}
}
