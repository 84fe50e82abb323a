package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/killallgit/thrive/pkg/events"
	"github.com/killallgit/thrive/pkg/sse"
	"github.com/spf13/cobra"
)

var decodeCmd = &cobra.Command{
	Use:    "decode [capture-file]",
	Short:  "Decode a captured event stream",
	Long:   `Read a raw event stream from a file or stdin and print one decoded event per line.`,
	Hidden: true,
	Args:   cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open capture: %w", err)
			}
			defer f.Close()
			in = f
		}
		return decodeStream(in, cmd.OutOrStdout())
	},
}

type decodedLine struct {
	Type  string       `json:"type"`
	Event events.Event `json:"event,omitempty"`
	Error string       `json:"error,omitempty"`
}

func decodeStream(in io.Reader, out io.Writer) error {
	enc := json.NewEncoder(out)
	reader := sse.NewReader(in)

	for {
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if !sse.IsFrameDecodeError(err) {
				return err
			}
			enc.Encode(decodedLine{Type: "frame_error", Error: err.Error()})
			continue
		}

		ev, err := events.Decode(frame)
		if err != nil {
			enc.Encode(decodedLine{Type: "decode_error", Error: err.Error()})
			continue
		}
		enc.Encode(decodedLine{Type: fmt.Sprintf("%T", ev), Event: ev})
	}
}

func init() {
	rootCmd.AddCommand(decodeCmd)
}
