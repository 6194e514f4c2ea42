package persistence

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func TestCreateTeamAdoptsLeader(t *testing.T) {
	store := openStoreForTest(t)
	ctx := context.Background()

	if _, err := store.CreateAgent(ctx, Agent{ID: "loner", Model: "m"}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	team, err := store.CreateTeam(ctx, Team{ID: "devteam", Name: "Dev", LeaderAgentID: "loner"})
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	if team.LeaderAgentID != "loner" {
		t.Fatalf("leader = %q, want loner", team.LeaderAgentID)
	}
	if !slices.Contains(team.MemberIDs, "loner") {
		t.Fatalf("leader not a member: members = %v", team.MemberIDs)
	}
	agent, err := store.GetAgent(ctx, "loner")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.TeamID != "devteam" {
		t.Fatalf("agent team = %q, want devteam", agent.TeamID)
	}
}

func TestCreateTeamRejectsUnknownLeader(t *testing.T) {
	store := openStoreForTest(t)
	ctx := context.Background()

	_, err := store.CreateTeam(ctx, Team{ID: "devteam", LeaderAgentID: "ghost"})
	if !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("err = %v, want ErrAgentNotFound", err)
	}
	if _, err := store.GetTeam(ctx, "devteam"); !errors.Is(err, ErrTeamNotFound) {
		t.Fatalf("team row created despite bad leader: %v", err)
	}
}

func TestUpdateTeamAdoptsLeaderFromAnotherTeam(t *testing.T) {
	store := openStoreForTest(t)
	ctx := context.Background()

	if _, err := store.CreateTeam(ctx, Team{ID: "devteam", Name: "Dev"}); err != nil {
		t.Fatalf("create devteam: %v", err)
	}
	if _, err := store.CreateTeam(ctx, Team{ID: "opsteam", Name: "Ops"}); err != nil {
		t.Fatalf("create opsteam: %v", err)
	}
	if _, err := store.CreateAgent(ctx, Agent{ID: "coder", Model: "m", TeamID: "opsteam"}); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	team, err := store.UpdateTeam(ctx, Team{ID: "devteam", Name: "Dev", LeaderAgentID: "coder"})
	if err != nil {
		t.Fatalf("update team: %v", err)
	}
	if !slices.Contains(team.MemberIDs, "coder") {
		t.Fatalf("leader not a member after update: members = %v", team.MemberIDs)
	}
	ops, err := store.GetTeam(ctx, "opsteam")
	if err != nil {
		t.Fatalf("get opsteam: %v", err)
	}
	if slices.Contains(ops.MemberIDs, "coder") {
		t.Fatalf("agent still on old team: members = %v", ops.MemberIDs)
	}
}

func TestUpsertTeamAdoptsLeader(t *testing.T) {
	store := openStoreForTest(t)
	ctx := context.Background()

	if _, err := store.CreateAgent(ctx, Agent{ID: "coder", Model: "m"}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if _, err := store.UpsertTeam(ctx, Team{ID: "devteam", Name: "Dev"}); err != nil {
		t.Fatalf("upsert without leader: %v", err)
	}
	team, err := store.UpsertTeam(ctx, Team{ID: "devteam", Name: "Dev", LeaderAgentID: "coder"})
	if err != nil {
		t.Fatalf("upsert with leader: %v", err)
	}
	if !slices.Contains(team.MemberIDs, "coder") {
		t.Fatalf("leader not a member: members = %v", team.MemberIDs)
	}
	if _, err := store.UpsertTeam(ctx, Team{ID: "devteam", LeaderAgentID: "ghost"}); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("unknown leader accepted: %v", err)
	}
}
