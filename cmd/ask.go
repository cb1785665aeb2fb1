package cmd

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/hoangsonww/lumina-core/internal/retrieve"
)

func runAsk(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	stream := fs.Bool("stream", false, "print the answer as it is generated")
	if err := fs.Parse(args); err != nil {
		return err
	}

	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		return fmt.Errorf("usage: lumina ask [-stream] <question>")
	}

	if *stream {
		return askStreaming(ctx, a, question)
	}
	return askBlocking(ctx, a, question)
}

func askBlocking(ctx context.Context, a *app, question string) error {
	answer, err := a.engine.Answer(ctx, nil, question)
	if err != nil {
		return err
	}

	fmt.Println(answer.Text)
	printSources(answer.Sources)
	return nil
}

func askStreaming(ctx context.Context, a *app, question string) error {
	s := a.engine.AnswerStream(ctx, nil, question)
	for fragment := range s.Fragments() {
		fmt.Print(fragment)
	}
	fmt.Println()

	answer, err := s.Wait()
	if err != nil {
		return err
	}
	printSources(answer.Sources)
	return nil
}

func printSources(sources []retrieve.Citation) {
	if len(sources) == 0 {
		return
	}

	fmt.Println("\nSources:")
	for i, src := range sources {
		fmt.Printf("  [%d] %s", i+1, src.Title)
		if src.URL != "" {
			fmt.Printf(" (%s)", src.URL)
		}
		fmt.Println()
	}
}

func runModels(ctx context.Context, a *app) error {
	models, err := a.registry.Models(ctx)
	if err != nil {
		return err
	}

	for _, m := range models {
		fmt.Println(m)
	}
	return nil
}
