package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/maestro/internal/skills"
)

// NewSkillsCommand returns the skills subcommand.
func NewSkillsCommand() *cli.Command {
	return &cli.Command{
		Name:  "skills",
		Usage: "Inspect the registered skill bundles",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List all registered skills",
				Action: runSkillsList,
			},
			{
				Name:      "show",
				Usage:     "Show a skill's manifest",
				ArgsUsage: "<skill_id>",
				Action:    runSkillsShow,
			},
		},
		DefaultCommand: "list",
	}
}

func loadRegistry(cmd *cli.Command) (*skills.Registry, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	registry := skills.NewRegistry()
	for _, dir := range cfg.Skills.Dirs {
		if err := registry.LoadDir(dir); err != nil {
			fmt.Fprintf(os.Stderr, "warning: load skills from %s: %v\n", dir, err)
		}
	}
	return registry, nil
}

func runSkillsList(_ context.Context, cmd *cli.Command) error {
	registry, err := loadRegistry(cmd)
	if err != nil {
		return err
	}

	all := registry.All()
	if len(all) == 0 {
		fmt.Println("No skills found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tFILES\tREQUIRES\tDESCRIPTION")
	for _, d := range all {
		requires := strings.Join(d.Requires, ", ")
		if requires == "" {
			requires = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", d.ID, d.Version, len(d.Manifest), requires, d.Description)
	}
	return w.Flush()
}

func runSkillsShow(_ context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: maestro skills show <skill_id>")
	}

	registry, err := loadRegistry(cmd)
	if err != nil {
		return err
	}
	d := registry.Get(id)
	if d == nil {
		return fmt.Errorf("skill %q not found", id)
	}

	fmt.Printf("%s (%s)\n%s\n", d.ID, d.Version, d.Description)
	if len(d.Tags) > 0 {
		fmt.Printf("tags: %s\n", strings.Join(d.Tags, ", "))
	}
	if len(d.Requires) > 0 {
		fmt.Printf("requires: %s\n", strings.Join(d.Requires, ", "))
	}

	for _, kind := range []skills.Kind{skills.KindScript, skills.KindReference, skills.KindResource} {
		paths := d.Paths(kind)
		if len(paths) == 0 {
			continue
		}
		fmt.Printf("\n%ss:\n", kind)
		for _, p := range paths {
			fmt.Printf("  %s\n", p)
		}
	}
	return nil
}
