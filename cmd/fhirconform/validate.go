package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/terminology"
	"github.com/gofhir/conformance/pkg/validator"
)

var validateCmd = &cobra.Command{
	Use:   "validate [flags] file...",
	Short: "Validate FHIR resources",
	Long: `Validate checks JSON resources against a profile, the profiles in their
meta.profile, or the base definition of their type. Use "-" to read stdin.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().String("profile", "", "canonical URL of the profile to validate against")
	validateCmd.Flags().String("output", "text", "output format (text|json|outcome)")
	validateCmd.Flags().Bool("strict", false, "treat warnings as errors")
	validateCmd.Flags().Bool("quiet", false, "hide informational issues")
	validateCmd.Flags().Bool("no-constraints", false, "skip FHIRPath invariants")
	validateCmd.Flags().String("tx", "", `terminology server base URL, "n/a" to disable (default from config)`)
}

type input struct {
	name string
	data []byte
	err  error
}

// fileOutput is the JSON form of one file's result.
type fileOutput struct {
	Resource string        `json:"resource"`
	Valid    bool          `json:"valid"`
	Errors   int           `json:"errors"`
	Warnings int           `json:"warnings"`
	Info     int           `json:"info"`
	Issues   []issueOutput `json:"issues,omitempty"`
}

type issueOutput struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics"`
	Expression  []string `json:"expression,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	switch output {
	case "text", "json", "outcome":
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
	profile, _ := cmd.Flags().GetString("profile")
	strict, _ := cmd.Flags().GetBool("strict")
	quiet, _ := cmd.Flags().GetBool("quiet")
	noConstraints, _ := cmd.Flags().GetBool("no-constraints")

	e, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := e.populate(ctx); err != nil {
		return err
	}

	opts := []validator.Option{
		validator.WithConcurrency(e.cfg.Concurrency),
		validator.WithTerminologyCacheSize(e.cfg.TerminologyCacheSize),
		validator.WithStrictMode(strict),
		validator.WithConstraints(!noConstraints),
	}
	if svc := terminologyService(cmd, e); svc != nil {
		opts = append(opts, validator.WithTerminologyService(svc))
	}
	v := validator.New(e.reg, opts...)

	inputs := readInputs(args, cmd.InOrStdin())
	docs := make([][]byte, len(inputs))
	for i, in := range inputs {
		docs[i] = in.data
	}

	start := time.Now()
	results, err := v.ValidateBatch(ctx, docs, profile)
	if err != nil {
		return err
	}
	snap := v.Metrics()
	e.log.Debug().
		Uint64("resources", snap.Validations).
		Uint64("valid", snap.Valid).
		Dur("avg", snap.AvgTime).
		Dur("max", snap.MaxTime).
		Dur("elapsed", time.Since(start)).
		Msg("validation finished")

	failed := false
	outputs := make([]fileOutput, 0, len(inputs))
	w := cmd.OutOrStdout()
	for i, in := range inputs {
		result := results[i]
		if in.err != nil {
			result = issue.NewResult()
			result.AddError(issue.CodeProcessing, in.err.Error())
		}
		if result.HasErrors() {
			failed = true
		}
		switch output {
		case "text":
			printText(w, in.name, result, quiet)
		case "outcome":
			data, err := result.ToOperationOutcome()
			if err != nil {
				return err
			}
			fmt.Fprintln(w, string(data))
		case "json":
			outputs = append(outputs, toOutput(in.name, result, quiet))
		}
	}
	if output == "json" {
		data, err := json.MarshalIndent(outputs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
	}

	if failed {
		return errInvalid
	}
	return nil
}

// terminologyService honours --tx first, then the configured server URL.
func terminologyService(cmd *cobra.Command, e *env) terminology.Service {
	url := e.cfg.TerminologyURL
	if cmd.Flags().Changed("tx") {
		url, _ = cmd.Flags().GetString("tx")
	}
	if url == "" || url == "n/a" {
		return nil
	}
	return terminology.NewHTTPService(url, terminology.WithServiceTimeout(e.cfg.TerminologyTimeout))
}

// readInputs expands glob patterns and reads every file. Read failures are
// reported per input rather than aborting the run.
func readInputs(args []string, stdin io.Reader) []input {
	var out []input
	for _, arg := range args {
		if arg == "-" {
			data, err := io.ReadAll(stdin)
			out = append(out, input{name: "stdin", data: data, err: err})
			continue
		}
		matches, err := filepath.Glob(arg)
		if err != nil || len(matches) == 0 {
			if err == nil {
				err = fmt.Errorf("no files match %s", arg)
			}
			out = append(out, input{name: arg, err: err})
			continue
		}
		for _, path := range matches {
			data, err := os.ReadFile(path)
			out = append(out, input{name: path, data: data, err: err})
		}
	}
	return out
}

func toOutput(name string, result *issue.Result, quiet bool) fileOutput {
	out := fileOutput{
		Resource: name,
		Valid:    result.Valid(),
		Errors:   result.ErrorCount(),
		Warnings: result.WarningCount(),
		Info:     result.InfoCount(),
	}
	for _, is := range result.Issues {
		if quiet && is.Severity == issue.SeverityInformation {
			continue
		}
		out.Issues = append(out.Issues, issueOutput{
			Severity:    string(is.Severity),
			Code:        string(is.Code),
			Diagnostics: is.Diagnostics,
			Expression:  is.Expression,
		})
	}
	return out
}

func printText(w io.Writer, name string, result *issue.Result, quiet bool) {
	status := "VALID"
	if result.HasErrors() {
		status = "INVALID"
	}
	fmt.Fprintf(w, "== %s ==\n", name)
	fmt.Fprintf(w, "Status: %s\n", status)
	fmt.Fprintf(w, "Errors: %d, Warnings: %d, Info: %d\n", result.ErrorCount(), result.WarningCount(), result.InfoCount())

	if len(result.Issues) > 0 {
		fmt.Fprintln(w, "\nIssues:")
		for _, is := range result.Issues {
			if quiet && is.Severity == issue.SeverityInformation {
				continue
			}
			location := ""
			if len(is.Expression) > 0 {
				location = " @ " + strings.Join(is.Expression, ", ")
			}
			fmt.Fprintf(w, "  %s [%s] %s%s\n", severityLabel(is.Severity), is.Code, is.Diagnostics, location)
		}
	}
	fmt.Fprintln(w)
}

func severityLabel(s issue.Severity) string {
	switch s {
	case issue.SeverityFatal:
		return "FATAL"
	case issue.SeverityError:
		return "ERROR"
	case issue.SeverityWarning:
		return "WARN "
	case issue.SeverityInformation:
		return "INFO "
	default:
		return "     "
	}
}
