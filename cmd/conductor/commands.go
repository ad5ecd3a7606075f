package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/CZERTAINLY/conductor/internal/executor"
	"github.com/CZERTAINLY/conductor/internal/log"
	"github.com/CZERTAINLY/conductor/internal/model"
	"github.com/CZERTAINLY/conductor/internal/service"

	"github.com/spf13/cobra"
)

// exitError makes main exit with the code of a failed command
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

var (
	flagInput string
	flagStdin bool
	flagJSON  bool
)

var execCmd = &cobra.Command{
	Use:   "exec <skill> [name=value...]",
	Short: "execute a single command from the catalog",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doExec,
}

var pipelineCmd = &cobra.Command{
	Use:   "pipeline <name>",
	Short: "execute a pipeline from the configuration",
	Args:  cobra.ExactArgs(1),
	RunE:  doPipeline,
}

var batchCmd = &cobra.Command{
	Use:   "batch <name>...",
	Short: "execute several pipelines concurrently",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doBatch,
}

var scriptCmd = &cobra.Command{
	Use:   "script <name>",
	Short: "print a pipeline as a shell script",
	Args:  cobra.ExactArgs(1),
	RunE:  doScript,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule <name>",
	Short: "run a pipeline periodically according to schedule section of config",
	Args:  cobra.ExactArgs(1),
	RunE:  doSchedule,
}

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "list commands and pipelines of the configuration",
	Args:  cobra.NoArgs,
	RunE:  doSkills,
}

func init() {
	execCmd.Flags().StringVar(&flagInput, "input", "", "input file passed as the last argument")
	execCmd.Flags().BoolVar(&flagStdin, "stdin", false, "pipe standard input to the command")
	pipelineCmd.Flags().StringVar(&flagInput, "input", "", "input file of the first step, overrides the configured one")
	for _, c := range []*cobra.Command{execCmd, pipelineCmd, batchCmd} {
		c.Flags().BoolVar(&flagJSON, "json", false, "print the result as JSON instead of the output")
	}
}

func newService(cmd *cobra.Command) (*service.Service, error) {
	svc, err := service.New(config)
	if err != nil {
		return nil, err
	}
	go func() {
		<-cmd.Context().Done()
		_ = svc.Shutdown(cmd.Context())
	}()
	return svc, nil
}

// parseParams turns name=value pairs into a map
func parseParams(pairs []string) (map[string]string, error) {
	ret := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter %q: expected name=value: %w", p, model.ErrInvalidParams)
		}
		ret[name] = value
	}
	return ret, nil
}

func doExec(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.String("cmd", "exec"), slog.Int("pid", os.Getpid()))
	svc, err := newService(cmd)
	if err != nil {
		return err
	}
	skill := args[0]
	command, err := svc.Lookup(skill)
	if err != nil {
		return err
	}
	raw, err := parseParams(args[1:])
	if err != nil {
		return err
	}
	cargs, options, err := command.ParseValues(raw)
	if err != nil {
		return err
	}
	p := executor.Params{
		Args:      cargs,
		Options:   options,
		InputFile: flagInput,
	}
	if flagStdin && flagInput == "" {
		p.Stdin, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	}

	res, err := svc.Run(ctx, skill, p)
	if err != nil {
		return err
	}
	if err := printResult(cmd, res, res.Stdout); err != nil {
		return err
	}
	if !res.Success {
		_, _ = cmd.ErrOrStderr().Write(res.Stderr)
		return exitError{code: exitCode(res)}
	}
	return nil
}

func doPipeline(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.String("cmd", "pipeline"), slog.Int("pid", os.Getpid()))
	svc, err := newService(cmd)
	if err != nil {
		return err
	}
	res, err := svc.RunNamed(ctx, args[0], flagInput)
	if err != nil {
		return err
	}
	if err := printResult(cmd, res, res.Output); err != nil {
		return err
	}
	if res.Failure != nil {
		_, _ = cmd.ErrOrStderr().Write(res.Failure.Result.Stderr)
		slog.ErrorContext(ctx, "pipeline failed", "failure", res.Failure.String())
		return exitError{code: exitCode(res.Failure.Result)}
	}
	slog.InfoContext(ctx, "pipeline finished", "steps", len(res.Steps), "duration", res.Duration.String(), "wall", res.Wall.String())
	return nil
}

func doBatch(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.String("cmd", "batch"), slog.Int("pid", os.Getpid()))
	svc, err := newService(cmd)
	if err != nil {
		return err
	}
	reqs := make([]service.BatchRequest, 0, len(args))
	for _, name := range args {
		steps, in, err := svc.Pipeline(name)
		if err != nil {
			return err
		}
		reqs = append(reqs, service.BatchRequest{Name: name, Steps: steps, Input: in})
	}

	var failed int
	for res, err := range svc.Batch(ctx, reqs) {
		switch {
		case err != nil:
			failed++
			slog.ErrorContext(ctx, "pipeline failed", "error", err)
			continue
		case res.Failure != nil:
			failed++
			slog.ErrorContext(ctx, "pipeline failed", "pipeline", res.Name, "failure", res.Failure.String())
		default:
			slog.InfoContext(ctx, "pipeline finished", "pipeline", res.Name, "duration", res.Duration.String(), "wall", res.Wall.String())
		}
		if flagJSON {
			if err := printResult(cmd, res, nil); err != nil {
				return err
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d pipelines failed", failed, len(reqs))
	}
	return nil
}

func doScript(cmd *cobra.Command, args []string) error {
	svc, err := newService(cmd)
	if err != nil {
		return err
	}
	script, err := svc.Script(args[0])
	if err != nil {
		return err
	}
	_, err = io.WriteString(cmd.OutOrStdout(), script)
	return err
}

func doSchedule(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.String("cmd", "schedule"), slog.Int("pid", os.Getpid()))
	if config.Schedule == nil {
		return fmt.Errorf("config has no schedule section")
	}
	svc, err := newService(cmd)
	if err != nil {
		return err
	}
	return svc.Schedule(ctx, args[0], config.Schedule, nil)
}

func doSkills(cmd *cobra.Command, _ []string) error {
	svc, err := newService(cmd)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	for _, name := range svc.Skills() {
		c, _ := svc.Lookup(name)
		fmt.Fprintf(w, "skill\t%s\t%s\n", name, strings.Join(append([]string{c.Binary}, c.Subcommand...), " "))
	}
	for _, name := range svc.Pipelines() {
		fmt.Fprintf(w, "pipeline\t%s\n", name)
	}
	return nil
}

// printResult writes either raw output or the whole result as JSON
func printResult(cmd *cobra.Command, res any, output []byte) error {
	if flagJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	_, err := cmd.OutOrStdout().Write(output)
	return err
}

func exitCode(res executor.Result) int {
	if res.ExitCode > 0 {
		return res.ExitCode
	}
	return 1
}
