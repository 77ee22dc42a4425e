package collector

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/pkg/google"
)

// BusinessTask looks the subject up in Google Places.
type BusinessTask struct {
	base
	client google.Client
}

// NewBusinessTask creates the business-profile collector.
func NewBusinessTask(client google.Client, estimate float64) *BusinessTask {
	return &BusinessTask{
		base:   base{kind: model.TaskBusinessProfile, estimate: estimate},
		client: client,
	}
}

func (t *BusinessTask) Execute(ctx context.Context, jc model.JobContext) (*Result, error) {
	query, err := placesQuery(jc.Subject)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.TextSearch(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "business_profile: text search")
	}
	if len(resp.Places) == 0 {
		zap.L().Debug("business_profile: no place found",
			zap.String("job_id", jc.JobID),
			zap.String("query", query),
		)
		return &Result{Payload: model.BusinessProfile{Found: false}}, nil
	}

	p := bestPlace(resp.Places, jc.Subject)
	return &Result{Payload: model.BusinessProfile{
		Found:           true,
		PlaceName:       p.DisplayName.Text,
		Address:         p.FormattedAddress,
		Phone:           p.NationalPhoneNumber,
		Website:         p.WebsiteURI,
		Rating:          p.Rating,
		UserRatingCount: p.UserRatingCount,
		BusinessStatus:  p.BusinessStatus,
	}}, nil
}

// placesQuery builds "name city state", falling back to the site domain when
// the subject has no business name.
func placesQuery(s model.Subject) (string, error) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		u, err := siteURL(s)
		if err != nil {
			return "", err
		}
		name = domainOf(u)
	}
	parts := []string{name}
	for _, p := range []string{s.City, s.State} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " "), nil
}

// bestPlace prefers a result whose website matches the subject's domain.
func bestPlace(places []google.Place, s model.Subject) google.Place {
	u, err := siteURL(s)
	if err != nil {
		return places[0]
	}
	want := domainOf(u)
	for _, p := range places {
		if p.WebsiteURI == "" {
			continue
		}
		if pu, err := siteURL(model.Subject{URL: p.WebsiteURI}); err == nil && domainOf(pu) == want {
			return p
		}
	}
	return places[0]
}
