package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/glimte/avista-control/config"
	"github.com/spf13/cobra"
)

type generateOptions struct {
	periodicity string
	host        string
	port        string
	output      string
}

func newGenerateConfigCommand() *cobra.Command {
	opts := &generateOptions{}

	cmd := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate the configuration file for avista-control",
		Example: `  avista-control generate-config -p 60 -s portal.local -r 8080
  avista-control generate-config -p 5m -s portal.local -r 8080 -o /etc/avista/config.yml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return generateConfig(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.periodicity, "periodicity", "p", "", "Polling period: seconds or a duration such as 5m")
	cmd.Flags().StringVarP(&opts.host, "hostname", "s", "", "Portal host name")
	cmd.Flags().StringVarP(&opts.port, "hostport", "r", "", "Portal port")
	cmd.Flags().StringVarP(&opts.output, "output", "o", config.DefaultPath, "File to write")
	for _, name := range []string{"periodicity", "hostname", "hostport"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

// generateConfig writes the service block over the defaults and validates
// the result before saving it
func generateConfig(out io.Writer, opts *generateOptions) error {
	cfg := config.Default()
	cfg.Service.Host = opts.host
	cfg.Service.Port = opts.port
	cfg.Service.Periodicity = opts.periodicity

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ValidatePortal(); err != nil {
		return err
	}

	if err := config.NewLoader(opts.output).Save(cfg); err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(out, "%s wrote %s\n", green("✓"), opts.output)
	fmt.Fprintf(out, "  portal:      %s\n", cfg.Service.BaseURL())
	fmt.Fprintf(out, "  periodicity: %s\n", cfg.Service.Periodicity)
	fmt.Fprintf(out, "  broker:      %s\n", cfg.Broker.URL)
	return nil
}
