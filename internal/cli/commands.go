package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/woxQAQ/docbridge/pkg/docbridge"
	"github.com/woxQAQ/docbridge/pkg/protocol"
)

func newVersionCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI and core versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "docbridge %s\n", app.Version)

			client, release, err := app.openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			v, err := client.Version(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "core %s\n", v)
			return nil
		},
	}
}

func newParseCommand(app *App) *cobra.Command {
	var withRecovery bool

	cmd := &cobra.Command{
		Use:   "parse [file]",
		Short: "Parse a document and print its AST as JSON",
		Long:  "Parse a document and print its AST as JSON. Reads stdin when file is omitted or \"-\".",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := app.readInput(firstArg(args), cmd.InOrStdin())
			if err != nil {
				return err
			}

			client, release, err := app.openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			var result any
			if withRecovery {
				result, err = client.ParseWithRecovery(cmd.Context(), string(src))
			} else {
				result, err = client.Parse(cmd.Context(), string(src))
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result, app.cfg.Output.Pretty)
		},
	}

	cmd.Flags().BoolVar(&withRecovery, "recover", false, "collect syntax errors instead of failing on the first one")
	return cmd
}

func newEvalCommand(app *App) *cobra.Command {
	var (
		file     string
		encoding string
	)

	cmd := &cobra.Command{
		Use:   "eval [source-or-file]",
		Short: "Evaluate a document and print the result as JSON",
		Long: `Evaluate a document and print the result as JSON.

The argument is evaluated as a file if one exists at that path, and as source text
otherwise. --file always reads a file and fails if it cannot. With neither, stdin is
evaluated.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" && len(args) > 0 {
				return fmt.Errorf("--file and a positional argument are mutually exclusive")
			}

			client, release, err := app.openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			var result protocol.Value
			switch {
			case file != "":
				result, err = client.EvaluateOptions(cmd.Context(), docbridge.EvaluateOptions{FilePath: file, Encoding: encoding})
			case len(args) == 1:
				result, err = client.Evaluate(cmd.Context(), args[0])
			default:
				var src []byte
				if src, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return err
				}
				source := string(src)
				result, err = client.EvaluateOptions(cmd.Context(), docbridge.EvaluateOptions{Source: &source})
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result, app.cfg.Output.Pretty)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "evaluate this file")
	cmd.Flags().StringVar(&encoding, "encoding", "", "encoding of --file (default utf-8)")
	return cmd
}

func newConvertCommand(app *App) *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "convert [file]",
		Short: "Convert a JSON value with the core's serializers",
		Long:  "Convert a JSON value to json, yaml or msgpack. Reads stdin when file is omitted or \"-\".",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := app.readInput(firstArg(args), cmd.InOrStdin())
			if err != nil {
				return err
			}

			var value protocol.Value
			if err := json.Unmarshal(raw, &value); err != nil {
				return fmt.Errorf("input is not valid JSON: %w", err)
			}

			client, release, err := app.openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			out := cmd.OutOrStdout()
			switch to {
			case "json":
				text, err := client.ValueToJSON(cmd.Context(), value, docbridge.JSONOptions{Pretty: app.cfg.Output.Pretty})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, text)
				return err
			case "yaml":
				text, err := client.ValueToYAML(cmd.Context(), value)
				if err != nil {
					return err
				}
				_, err = io.WriteString(out, text)
				return err
			case "msgpack":
				b, err := client.ValueToMsgpack(cmd.Context(), value)
				if err != nil {
					return err
				}
				_, err = out.Write(b)
				return err
			default:
				return fmt.Errorf("unsupported format %q: want json, yaml or msgpack", to)
			}
		},
	}

	cmd.Flags().StringVar(&to, "to", "json", "output format (json|yaml|msgpack)")
	_ = cmd.RegisterFlagCompletionFunc("to", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "yaml", "msgpack"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func newCoresCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cores",
		Short: "List the cores found under catalog.paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, runtime, err := app.openCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer runtime.Close(cmd.Context())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tPATH\tDESCRIPTION")
			for _, core := range cat.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", core.Name(), core.Version(), core.Manifest.WasmPath(), core.Manifest.Description)
			}
			return w.Flush()
		},
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func writeJSON(w io.Writer, v any, pretty bool) error {
	var (
		b   []byte
		err error
	)
	if pretty {
		b, err = json.MarshalIndent(v, "", "  ")
	} else {
		b, err = json.Marshal(v)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
