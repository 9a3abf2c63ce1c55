package workflow

import (
	"context"
	"fmt"
	"time"

	"travelkit/internal/engine"
	"travelkit/internal/logger"
)

// ClusterResult summarizes one clustering pass over a destination.
type ClusterResult struct {
	DestinationID int64   `json:"destination_id"`
	OpenInterests int     `json:"open_interests"`
	GroupsCreated int     `json:"groups_created"`
	GroupIDs      []int64 `json:"group_ids,omitempty"`
}

// ClusterDestination runs one clustering pass: open interests in the
// rolling window are grouped, priced, and persisted as forming groups.
func (s *Service) ClusterDestination(ctx context.Context, destinationID int64, now time.Time) (ClusterResult, error) {
	res := ClusterResult{DestinationID: destinationID}

	dest, err := s.db.GetDestination(destinationID)
	if err != nil {
		return res, err
	}
	if !dest.Active {
		return res, nil
	}

	from, to := s.cluster.Window(now)
	interests, err := s.db.OpenInterests(destinationID, from, to)
	if err != nil {
		return res, err
	}
	res.OpenInterests = len(interests)
	if len(interests) < s.cfg.Clustering.MinGroupSize {
		return res, nil
	}

	engine.SortByCreation(interests)
	clusters := s.cluster.BuildClusters(interests, now)

	for _, cl := range clusters {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		// The tier depends on how many bookings join, not how many
		// travelers they bring.
		people := cl.TotalPeople()
		final, _, audit := s.pricer.Quote(dest.BasePrice, dest.MaxDiscount, len(cl.Members), 0, "initial")
		dateFrom, dateTo := cl.Envelope()

		g := engine.Group{
			DestinationID:           destinationID,
			Name:                    engine.GroupName(dest.Name, dateFrom),
			DateFrom:                dateFrom,
			DateTo:                  dateTo,
			MinSize:                 s.cfg.Clustering.MinGroupSize,
			MaxSize:                 s.cfg.Clustering.MaxGroupSize,
			BasePrice:               dest.BasePrice,
			FinalPricePerPerson:     final,
			PriceCalc:               engine.PriceTrail{audit},
			Status:                  engine.GroupForming,
			AutoConfirmEnabled:      s.cfg.Workflow.AutoConfirmEnabled,
			MinimumConfirmationRate: s.cfg.Workflow.MinimumConfirmationRate,
		}
		groupID, created, err := s.db.CreateGroupFromCluster(g, cl.Members)
		if err != nil {
			return res, err
		}
		if !created {
			continue // members claimed since the scan, skip quietly
		}
		res.GroupsCreated++
		res.GroupIDs = append(res.GroupIDs, groupID)
		logger.Info("CLUSTER", fmt.Sprintf("Group %d (%s): %d members, %d travelers, quality %.2f, %.2f/person",
			groupID, g.Name, len(cl.Members), people, cl.Quality, final))
	}
	return res, nil
}

// ClusterAll runs a clustering pass over every active destination.
func (s *Service) ClusterAll(ctx context.Context, now time.Time) ([]ClusterResult, error) {
	dests, err := s.db.ListActiveDestinations()
	if err != nil {
		return nil, err
	}
	var results []ClusterResult
	for _, dest := range dests {
		r, err := s.ClusterDestination(ctx, dest.ID, now)
		if err != nil {
			logger.Error("CLUSTER", fmt.Sprintf("Destination %d: %v", dest.ID, err))
			continue
		}
		results = append(results, r)
	}
	return results, nil
}
