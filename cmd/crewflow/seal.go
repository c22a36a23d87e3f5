package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func (c *cli) sealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seal [value]",
		Short: "Encrypt a value (an agent API key, a run log DSN) for use in crewflow.yaml",
		Long: "Encrypt a value for use in crewflow.yaml. The key comes from CREWFLOW_MASTER_KEY\n" +
			"(32 bytes, base64) or the CREWFLOW_SECRET_KEY passphrase. Without an argument the\n" +
			"first line of stdin is sealed.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sealerFromEnv(c.getenv)
			if err != nil {
				return err
			}

			var value string
			if len(args) == 1 {
				value = args[0]
			} else {
				value, err = firstLine(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			if value == "" {
				return errors.New("nothing to seal")
			}

			sealed, err := s.Seal(value)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.stdout, sealed)
			return err
		},
	}
}

func firstLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
