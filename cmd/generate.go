package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goosewin/fluxsweep/internal/dialog"
	"github.com/goosewin/fluxsweep/internal/notify"
	"github.com/goosewin/fluxsweep/internal/report"
)

var (
	generateVoice string
	generateImage string
	generateYes   bool
	generateUser  string
)

var generateCmd = &cobra.Command{
	Use:   "generate [text]",
	Short: "Compose a prompt and generate images",
	Long:  "Generate turns text, a voice note or a reference photo into a prompt, asks for confirmation and generates images with the user's settings.",
	RunE:  runGenerate,
}

func init() {
	generateCmd.Flags().StringVar(&generateVoice, "voice", "", "Audio file to transcribe into a request")
	generateCmd.Flags().StringVar(&generateImage, "image", "", "Reference image to describe into a request")
	generateCmd.Flags().BoolVarP(&generateYes, "yes", "y", false, "Accept the composed prompt without asking")
	generateCmd.Flags().StringVarP(&generateUser, "user", "u", envOrDefault("FLUXSWEEP_USER", "cli"), "User whose settings apply")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ev, err := requestEvent(args)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	console := notify.NewConsole(out)
	manager, err := dialog.NewManager(dialog.Options{
		Engine:   a.engine,
		Composer: a.composer,
		Settings: a.store,
		SinkFor:  func(string) notify.Sink { return console },
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = manager.Shutdown(context.Background()) }()

	ctx := context.Background()
	reply, err := manager.Dispatch(ctx, generateUser, ev)
	if err != nil {
		return errors.New(report.Describe(err))
	}
	fmt.Fprintln(out, reply.Text)

	reader := bufio.NewReader(os.Stdin)
	for reply.State == dialog.AwaitingConfirmation {
		choice := "ok"
		if !generateYes {
			if !isTerminal(os.Stdin) {
				return errors.New("confirmation required: run in a terminal or pass --yes")
			}
			choice = promptInput(reader, "Use this prompt? (ok/retry/cancel)", "ok")
		}

		var next dialog.Event
		switch strings.ToLower(strings.TrimSpace(choice)) {
		case "ok", "y", "yes":
			next = dialog.PromptConfirmed{}
		case "retry", "r":
			next = dialog.PromptRetried{}
		case "cancel", "c", "n", "no":
			next = dialog.PromptCancelled{}
		default:
			fmt.Fprintln(os.Stderr, "Answer ok, retry or cancel")
			continue
		}

		reply, err = manager.Dispatch(ctx, generateUser, next)
		if err != nil {
			return errors.New(report.Describe(err))
		}
		fmt.Fprintln(out, reply.Text)
	}

	return manager.Wait(ctx, generateUser)
}

func requestEvent(args []string) (dialog.Event, error) {
	text := strings.TrimSpace(strings.Join(args, " "))
	sources := 0
	for _, set := range []bool{text != "", generateVoice != "", generateImage != ""} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return nil, errors.New("provide exactly one of: text, --voice or --image")
	}

	switch {
	case generateVoice != "":
		data, err := os.ReadFile(generateVoice)
		if err != nil {
			return nil, fmt.Errorf("read voice file: %w", err)
		}
		return dialog.VoiceReceived{Audio: data, Filename: filepath.Base(generateVoice)}, nil
	case generateImage != "":
		data, err := os.ReadFile(generateImage)
		if err != nil {
			return nil, fmt.Errorf("read image file: %w", err)
		}
		return dialog.PhotoReceived{Image: data}, nil
	default:
		return dialog.TextReceived{Text: text}, nil
	}
}

func isTerminal(file *os.File) bool {
	if file == nil {
		return false
	}
	info, err := file.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func promptInput(reader *bufio.Reader, prompt, defaultValue string) string {
	if defaultValue != "" {
		fmt.Fprintf(os.Stderr, "%s [%s]: ", prompt, defaultValue)
	} else {
		fmt.Fprintf(os.Stderr, "%s: ", prompt)
	}

	input, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return defaultValue
	}
	input = strings.TrimRight(input, "\r\n")
	if input == "" {
		input = defaultValue
	}
	return input
}
