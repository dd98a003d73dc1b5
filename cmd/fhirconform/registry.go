package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofhir/fhir/r4"
	"github.com/spf13/cobra"

	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/loader"
	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/terminology"
)

var loadCmd = &cobra.Command{
	Use:   "load [flags] source...",
	Short: "Download and cache FHIR packages",
	Long: `Load resolves each source (name#version, .tgz path, URL or directory),
installs registry packages into the package cache and reports what was indexed.
With --versions it lists the versions the package registry offers instead.`,
	RunE: runLoad,
}

var profilesCmd = &cobra.Command{
	Use:   "profiles [flags] resourceType",
	Short: "List the profiles loaded for a resource type",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfiles,
}

var validateCodeCmd = &cobra.Command{
	Use:   "validate-code [flags] code",
	Short: "Check a code against a value set",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidateCode,
}

func init() {
	loadCmd.Flags().Bool("cached", false, "list the packages already in the cache and exit")
	loadCmd.Flags().Bool("versions", false, "list the registry versions of each named package and exit")

	validateCodeCmd.Flags().String("system", "", "code system URL")
	validateCodeCmd.Flags().String("valueset", "", "value set canonical URL")
	validateCodeCmd.Flags().String("display", "", "display text to check")
	validateCodeCmd.Flags().String("strength", terminology.StrengthRequired, "binding strength (required|extensible|preferred|example)")
	validateCodeCmd.Flags().String("tx", "", `terminology server base URL, "n/a" to disable (default from config)`)
	_ = validateCodeCmd.MarkFlagRequired("valueset")
}

func runLoad(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()

	if cached, _ := cmd.Flags().GetBool("cached"); cached {
		pkgs, err := e.loader.CachedPackages()
		if err != nil {
			return err
		}
		for _, p := range pkgs {
			fmt.Fprintln(w, p)
		}
		return nil
	}

	if versions, _ := cmd.Flags().GetBool("versions"); versions {
		if len(args) == 0 {
			return errors.New("no package names given")
		}
		for _, name := range args {
			name, _ = loader.ParsePackageID(name)
			list, err := e.loader.Versions(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s: %s\n", name, strings.Join(list, ", "))
		}
		return nil
	}

	sources := append(append([]string{}, e.cfg.Packages...), args...)
	if len(sources) == 0 {
		return errors.New("no packages given")
	}
	cached := make([]bool, len(sources))
	for i, src := range sources {
		cached[i] = isCached(e.loader, src)
	}

	start := time.Now()
	counts, err := e.reg.LoadPackages(cmd.Context(), e.loader, sources)
	if err != nil {
		return err
	}
	for i, src := range sources {
		note := ""
		if cached[i] {
			note = " (cached)"
		}
		fmt.Fprintf(w, "%s: %d artifacts%s\n", src, counts[i], note)
	}
	fmt.Fprintf(w, "registry: %d entries in %s\n", e.reg.Count(), time.Since(start).Round(time.Millisecond))
	return nil
}

// isCached reports whether a name#version source is already in the package
// cache. Other sources, and "latest", are never reported as cached.
func isCached(l *loader.Loader, src string) bool {
	if loader.Classify(src) != loader.SourceRegistry {
		return false
	}
	name, version := loader.ParsePackageID(src)
	return version != loader.VersionLatest && l.IsCached(name, version)
}

func runProfiles(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	if err := e.populate(cmd.Context()); err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	for _, url := range e.reg.GetProfilesForType(args[0]) {
		sd, ok := e.reg.GetProfile(url)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", url, sd.Version, sd.Name)
	}
	return nil
}

func runValidateCode(cmd *cobra.Command, args []string) error {
	system, _ := cmd.Flags().GetString("system")
	vs, _ := cmd.Flags().GetString("valueset")
	display, _ := cmd.Flags().GetString("display")
	strength, _ := cmd.Flags().GetString("strength")

	e, err := setup(cmd)
	if err != nil {
		return err
	}
	if err := e.populate(cmd.Context()); err != nil {
		return err
	}

	opts := []terminology.Option{terminology.WithCacheSize(e.cfg.TerminologyCacheSize)}
	if svc := terminologyService(cmd, e); svc != nil {
		opts = append(opts, terminology.WithService(svc))
	}
	out := checkCode(cmd.Context(), terminology.New(e.reg, opts...), args[0], system, display,
		registry.Binding{Strength: strength, ValueSet: vs})

	result := issue.NewResult()
	result.AddIssues(out.Issues("code"))
	printText(cmd.OutOrStdout(), args[0], result, false)
	if !out.Valid {
		return errInvalid
	}
	return nil
}

func checkCode(ctx context.Context, tv *terminology.Validator, code, system, display string, b registry.Binding) terminology.Outcome {
	if system == "" && display == "" {
		return tv.ValidateCode(ctx, code, b)
	}
	coding := r4.Coding{Code: &code}
	if system != "" {
		coding.System = &system
	}
	if display != "" {
		coding.Display = &display
	}
	return tv.ValidateCoding(ctx, coding, b)
}
