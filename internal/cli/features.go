package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/davidthor/instctl/pkg/errors"
	"github.com/davidthor/instctl/pkg/features"
	"github.com/davidthor/instctl/pkg/version"
)

func newFeaturesCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "features [version]",
		Short: "List the features a SQL Server version can install",
		Long: `List the features and templates accepted by --feature for a version.

Examples:
  instctl features 2019
  instctl features 2008r2 -o json`,
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: completeVersions,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := viper.GetString(ConfigKeyVersion)
			if len(args) == 1 {
				name = args[0]
			}
			if name == "" {
				return errors.ValidationError("a version is required", nil)
			}
			desc, err := version.DefaultCatalog().ResolveBuild(name)
			if err != nil {
				return err
			}
			return printFeatures(cmd, features.DefaultTable(), desc, outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")

	return cmd
}

type featureRow struct {
	Name   string   `json:"name" yaml:"name"`
	Tokens []string `json:"tokens" yaml:"tokens"`
}

type templateRow struct {
	Name     string   `json:"name" yaml:"name"`
	Features []string `json:"features" yaml:"features"`
}

func printFeatures(cmd *cobra.Command, table *features.Table, desc *version.Descriptor, format string) error {
	out := cmd.OutOrStdout()
	report := struct {
		Version   string        `json:"version" yaml:"version"`
		Build     string        `json:"build" yaml:"build"`
		Features  []featureRow  `json:"features" yaml:"features"`
		Templates []templateRow `json:"templates" yaml:"templates"`
	}{Version: desc.Name, Build: desc.Build.String()}

	for _, f := range table.Applicable(desc) {
		report.Features = append(report.Features, featureRow{Name: f.Name, Tokens: f.Tokens})
	}
	for _, name := range table.Templates() {
		var members []string
		for _, m := range table.Members(name) {
			if f, ok := table.Lookup(m); ok {
				if applies, err := f.AppliesTo(desc); err == nil && applies {
					members = append(members, f.Name)
				}
			}
		}
		report.Templates = append(report.Templates, templateRow{Name: name, Features: members})
	}

	if done, err := printStructured(out, format, report); done {
		return err
	}

	fmt.Fprintf(out, "SQL Server %s (build %s)\n\n", report.Version, report.Build)
	fmt.Fprintf(out, "%-20s %s\n", "FEATURE", "SETUP TOKENS")
	for _, f := range report.Features {
		fmt.Fprintf(out, "%-20s %s\n", f.Name, strings.Join(f.Tokens, ","))
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%-20s %s\n", "TEMPLATE", "FEATURES")
	for _, t := range report.Templates {
		fmt.Fprintf(out, "%-20s %s\n", t.Name, strings.Join(t.Features, ", "))
	}
	return nil
}

// featureNames lists every name --feature accepts for desc, or for any
// version when desc is nil.
func featureNames(table *features.Table, desc *version.Descriptor) []string {
	names := table.Templates()
	if desc != nil {
		for _, f := range table.Applicable(desc) {
			names = append(names, f.Name)
		}
		return names
	}
	for _, v := range version.DefaultCatalog().Names() {
		d, err := version.DefaultCatalog().ResolveBuild(v)
		if err != nil {
			continue
		}
		for _, f := range table.Applicable(d) {
			names = appendUnique(names, f.Name)
		}
	}
	return names
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
