package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/whisper/groupchat/internal/chat"
)

// Seeder is the part of Store that Seed writes through.
type Seeder interface {
	FindGroup(ctx context.Context, groupID string) (chat.Group, error)
	CreateGroup(ctx context.Context, g chat.Group, members []string) (chat.Group, error)
	AddMember(ctx context.Context, groupID, userID string) error
}

// SeedGroup is a group to ensure at startup.
type SeedGroup struct {
	Group   chat.Group
	Members []string
}

// Seed creates each group that does not exist yet and adds any missing
// members to groups that do. It is safe to run on every start. It returns
// the number of groups created.
func Seed(ctx context.Context, s Seeder, groups []SeedGroup) (int, error) {
	created := 0
	for _, sg := range groups {
		_, err := s.FindGroup(ctx, sg.Group.ID)
		switch {
		case errors.Is(err, chat.ErrNotFound):
			if _, err := s.CreateGroup(ctx, sg.Group, sg.Members); err != nil {
				return created, fmt.Errorf("store: seed group %s: %w", sg.Group.ID, err)
			}
			created++
		case err != nil:
			return created, fmt.Errorf("store: seed group %s: %w", sg.Group.ID, err)
		default:
			for _, m := range sg.Members {
				if err := s.AddMember(ctx, sg.Group.ID, m); err != nil {
					return created, fmt.Errorf("store: seed member %s/%s: %w", sg.Group.ID, m, err)
				}
			}
		}
	}
	return created, nil
}
