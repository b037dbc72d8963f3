package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	graphDomain "github.com/tminus-app/tminus/internal/graph/domain"
	"github.com/tminus-app/tminus/internal/scheduling"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage group scheduling sessions",
}

var (
	sessionOrganizer    string
	sessionTitle        string
	sessionDuration     int
	sessionWindowStart  string
	sessionWindowEnd    string
	sessionParticipants []string
	sessionUser         string
	sessionCandidate    string
	sessionReason       string
)

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Propose meeting slots for a group of users",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		organizerID, err := uuid.Parse(sessionOrganizer)
		if err != nil {
			return fmt.Errorf("invalid --organizer: %w", err)
		}
		windowStart, err := time.Parse(time.RFC3339, sessionWindowStart)
		if err != nil {
			return fmt.Errorf("invalid --window-start: %w", err)
		}
		windowEnd, err := time.Parse(time.RFC3339, sessionWindowEnd)
		if err != nil {
			return fmt.Errorf("invalid --window-end: %w", err)
		}
		participants := make([]uuid.UUID, 0, len(sessionParticipants))
		for _, raw := range sessionParticipants {
			id, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("invalid participant %q: %w", raw, err)
			}
			participants = append(participants, id)
		}

		container, err := newContainer(cmd)
		if err != nil {
			return err
		}
		defer container.Close()

		session, err := container.Scheduler.CreateSession(cmd.Context(), scheduling.CreateParams{
			OrganizerID:     organizerID,
			Title:           sessionTitle,
			DurationMinutes: sessionDuration,
			WindowStart:     windowStart,
			WindowEnd:       windowEnd,
			Participants:    participants,
		})
		if err != nil {
			return err
		}
		printSession(cmd, session)
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its candidates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, requesterID, err := sessionArgs(args[0])
		if err != nil {
			return err
		}
		container, err := newContainer(cmd)
		if err != nil {
			return err
		}
		defer container.Close()

		session, err := container.Scheduler.GetSession(cmd.Context(), sessionID, requesterID)
		if err != nil {
			return err
		}
		printSession(cmd, session)
		return nil
	},
}

var sessionCommitCmd = &cobra.Command{
	Use:   "commit <session-id>",
	Short: "Commit a candidate slot, confirming every participant's hold",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, requesterID, err := sessionArgs(args[0])
		if err != nil {
			return err
		}
		candidateID, err := uuid.Parse(sessionCandidate)
		if err != nil {
			return fmt.Errorf("invalid --candidate: %w", err)
		}
		container, err := newContainer(cmd)
		if err != nil {
			return err
		}
		defer container.Close()

		session, err := container.Scheduler.CommitSession(cmd.Context(), sessionID, requesterID, candidateID)
		if err != nil {
			return err
		}
		printSession(cmd, session)
		return nil
	},
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a session and release its holds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, requesterID, err := sessionArgs(args[0])
		if err != nil {
			return err
		}
		container, err := newContainer(cmd)
		if err != nil {
			return err
		}
		defer container.Close()

		if err := container.Scheduler.CancelSession(cmd.Context(), sessionID, requesterID, sessionReason); err != nil {
			return err
		}
		cmd.Printf("cancelled session %s\n", sessionID)
		return nil
	},
}

func sessionArgs(rawSession string) (uuid.UUID, uuid.UUID, error) {
	sessionID, err := uuid.Parse(rawSession)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid session id: %w", err)
	}
	requesterID, err := uuid.Parse(sessionUser)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid --user: %w", err)
	}
	return sessionID, requesterID, nil
}

func printSession(cmd *cobra.Command, session *graphDomain.SchedulingSession) {
	cmd.Printf("session %s  %q  %s\n", session.ID(), session.Title(), session.State())
	cmd.Printf("organizer %s, %d participants, %d minutes in %s .. %s\n",
		session.OrganizerUserID(), len(session.Participants()), session.DurationMinutes(),
		session.WindowStart().Format(time.RFC3339), session.WindowEnd().Format(time.RFC3339))
	for _, candidate := range session.Candidates() {
		marker := " "
		if candidate.ID == session.CommittedCandidateID() {
			marker = "*"
		}
		cmd.Printf("%s %s  %s .. %s  score=%.2f  %s\n",
			marker, candidate.ID,
			candidate.Start.Format(time.RFC3339), candidate.End.Format(time.RFC3339),
			candidate.Score, candidate.Explanation)
	}
	if session.FailureReason() != "" {
		cmd.Printf("failure: %s\n", session.FailureReason())
	}
}

func init() {
	sessionCreateCmd.Flags().StringVar(&sessionOrganizer, "organizer", "", "organizer user id")
	sessionCreateCmd.Flags().StringVar(&sessionTitle, "title", "", "meeting title")
	sessionCreateCmd.Flags().IntVar(&sessionDuration, "duration", 30, "duration in minutes")
	sessionCreateCmd.Flags().StringVar(&sessionWindowStart, "window-start", "", "search window start (RFC3339)")
	sessionCreateCmd.Flags().StringVar(&sessionWindowEnd, "window-end", "", "search window end (RFC3339)")
	sessionCreateCmd.Flags().StringSliceVar(&sessionParticipants, "participants", nil, "participant user ids")
	_ = sessionCreateCmd.MarkFlagRequired("organizer")
	_ = sessionCreateCmd.MarkFlagRequired("window-start")
	_ = sessionCreateCmd.MarkFlagRequired("window-end")

	for _, cmd := range []*cobra.Command{sessionShowCmd, sessionCommitCmd, sessionCancelCmd} {
		cmd.Flags().StringVar(&sessionUser, "user", "", "requesting user id")
		_ = cmd.MarkFlagRequired("user")
	}
	sessionCommitCmd.Flags().StringVar(&sessionCandidate, "candidate", "", "candidate id to commit")
	_ = sessionCommitCmd.MarkFlagRequired("candidate")
	sessionCancelCmd.Flags().StringVar(&sessionReason, "reason", "", "cancellation reason")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionCommitCmd)
	sessionCmd.AddCommand(sessionCancelCmd)
}
