package persistence

import (
	"github.com/tminus-app/tminus/internal/graph/application"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
)

// NewRepositories wires every graph repository over one connection.
func NewRepositories(conn database.Connection) application.Repositories {
	return application.Repositories{
		Events:        NewCanonicalEventRepository(conn),
		Edges:         NewPolicyEdgeRepository(conn),
		Mirrors:       NewMirrorRepository(conn),
		Journal:       NewJournalRepository(conn),
		Sessions:      NewSessionRepository(conn),
		Holds:         NewHoldRepository(conn),
		Governance:    NewGovernanceRepository(conn),
		Relationships: NewRelationshipRepository(conn),
	}
}
