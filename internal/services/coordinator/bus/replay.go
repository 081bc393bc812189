package bus

import (
	"context"
	"fmt"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

// CommandHandler accepts commands; the coordinator implements it.
type CommandHandler interface {
	Handle(ctx context.Context, command book.CommandBook) (book.EventBook, error)
}

// Replay hands a dead letter's payload back to the pipeline: a command is
// resubmitted to commands and an event book is republished to its domain.
// Commands keep their original expected sequence.
func Replay(ctx context.Context, letter book.DeadLetter, commands CommandHandler, publisher Publisher) error {
	switch {
	case letter.Command != nil:
		if commands == nil {
			return fmt.Errorf("replay %s: command handler is required", letter.Cover)
		}
		if _, err := commands.Handle(ctx, letter.Command.Clone()); err != nil {
			return fmt.Errorf("replay command %s: %w", letter.Cover, err)
		}
		return nil
	case letter.Events != nil:
		if publisher == nil {
			return fmt.Errorf("replay %s: publisher is required", letter.Cover)
		}
		events := letter.Events.Clone()
		if err := publisher.Publish(ctx, events.Cover.Domain, events); err != nil {
			return fmt.Errorf("replay events %s: %w", letter.Cover, err)
		}
		return nil
	default:
		return fmt.Errorf("replay %s: dead letter carries no payload", letter.Cover)
	}
}
