package graph

import (
	"gorm.io/gorm"

	"fedplane/internal/linkstore"
	"fedplane/internal/model"
)

// Graph is the read-mostly view of the trust topology: every known
// instance and every non-revoked directional link
type Graph struct {
	Nodes []model.Instance       `json:"nodes"`
	Edges []model.FederationLink `json:"edges"`
}

// Service is the query surface consumed by policy distribution and key
// routing. It never writes.
type Service struct {
	db    *gorm.DB
	links *linkstore.Store
}

// NewService creates a trust graph query service
func NewService(db *gorm.DB, links *linkstore.Store) *Service {
	return &Service{db: db, links: links}
}

// GetGraph returns all instances and all non-revoked links. Revoked edges
// disappear from the graph; the rows themselves are retained for audit.
func (s *Service) GetGraph() (*Graph, error) {
	g := &Graph{
		Nodes: []model.Instance{},
		Edges: []model.FederationLink{},
	}

	if err := s.db.Order("instance_code ASC").Find(&g.Nodes).Error; err != nil {
		return nil, err
	}

	err := s.db.
		Where("status <> ?", model.LinkStatusRevoked).
		Order("id ASC").
		Find(&g.Edges).Error
	if err != nil {
		return nil, err
	}

	return g, nil
}

// GetInstanceStatus returns the aggregate link + health view for one instance
func (s *Service) GetInstanceStatus(instanceCode string) (*linkstore.InstanceStatus, error) {
	return s.links.GetInstanceStatus(instanceCode)
}
