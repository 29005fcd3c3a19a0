package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/saviobatista/transit-telemetry/internal/types"
)

// document is the top level of a JSON:API response
type document struct {
	Data     json.RawMessage `json:"data"`
	Included []resource      `json:"included"`
}

type resource struct {
	Type          string                  `json:"type"`
	ID            string                  `json:"id"`
	Attributes    json.RawMessage         `json:"attributes"`
	Relationships map[string]relationship `json:"relationships"`
}

// relationship data is either null, one identifier or a list of them
type relationship struct {
	Data json.RawMessage `json:"data"`
}

type identifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type vehicleAttributes struct {
	CurrentStatus string   `json:"current_status"`
	Bearing       *float64 `json:"bearing"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	Speed         *float64 `json:"speed"`
	UpdatedAt     *string  `json:"updated_at"`
}

type routeAttributes struct {
	LongName  string `json:"long_name"`
	ShortName string `json:"short_name"`
}

// displayName prefers the long name, as riders know "Red Line" not "Red"
func (a routeAttributes) displayName() string {
	if name := strings.TrimSpace(a.LongName); name != "" {
		return name
	}
	return strings.TrimSpace(a.ShortName)
}

// decodeVehicleDocument returns the raw vehicles and the route names found in
// the included resources
func decodeVehicleDocument(body []byte) ([]types.RawVehicle, map[string]string, error) {
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, nil, &FatalError{Reason: "malformed vehicles document", Err: err}
	}

	var data []resource
	if len(doc.Data) > 0 && string(doc.Data) != "null" {
		if err := json.Unmarshal(doc.Data, &data); err != nil {
			return nil, nil, &FatalError{Reason: "vehicles document data is not a list", Err: err}
		}
	}

	vehicles := make([]types.RawVehicle, 0, len(data))
	for _, res := range data {
		if res.Type != "" && res.Type != "vehicle" {
			continue
		}
		vehicles = append(vehicles, decodeVehicle(res))
	}

	names := make(map[string]string)
	for _, inc := range doc.Included {
		if inc.Type != "route" || inc.ID == "" {
			continue
		}
		var attrs routeAttributes
		if len(inc.Attributes) > 0 {
			if err := json.Unmarshal(inc.Attributes, &attrs); err != nil {
				continue
			}
		}
		if name := attrs.displayName(); name != "" {
			names[inc.ID] = name
		}
	}

	return vehicles, names, nil
}

// decodeVehicle maps one vehicle resource. Attributes that do not decode
// mark the record malformed instead of failing the document.
func decodeVehicle(res resource) types.RawVehicle {
	raw := types.RawVehicle{ID: res.ID}

	var attrs vehicleAttributes
	if len(res.Attributes) > 0 && string(res.Attributes) != "null" {
		if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
			raw.Malformed = fmt.Sprintf("malformed attributes for vehicle %q: %v", res.ID, err)
			return raw
		}
	}

	raw.Status = attrs.CurrentStatus
	raw.Bearing = attrs.Bearing
	raw.Latitude = attrs.Latitude
	raw.Longitude = attrs.Longitude
	raw.Speed = attrs.Speed
	if attrs.UpdatedAt != nil && *attrs.UpdatedAt != "" {
		// An unparseable timestamp is dropped rather than failing the snapshot
		if ts, err := time.Parse(time.RFC3339, *attrs.UpdatedAt); err == nil {
			ts = ts.UTC()
			raw.UpdatedAt = &ts
		}
	}

	if rel, ok := res.Relationships["route"]; ok {
		if id := rel.singleID(); id != "" {
			raw.RouteID = &id
		}
	}

	return raw
}

// singleID returns the id of a to-one relationship, or "" for null or to-many
func (r relationship) singleID() string {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return ""
	}
	var id identifier
	if err := json.Unmarshal(r.Data, &id); err != nil {
		return ""
	}
	return id.ID
}

// decodeRouteDocument maps route ids to display names
func decodeRouteDocument(body []byte) (map[string]string, error) {
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &FatalError{Reason: "malformed routes document", Err: err}
	}
	var data []resource
	if len(doc.Data) > 0 && string(doc.Data) != "null" {
		if err := json.Unmarshal(doc.Data, &data); err != nil {
			return nil, &FatalError{Reason: "routes document data is not a list", Err: err}
		}
	}

	names := make(map[string]string, len(data))
	for _, res := range data {
		var attrs routeAttributes
		if len(res.Attributes) > 0 {
			if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
				continue
			}
		}
		if name := attrs.displayName(); name != "" && res.ID != "" {
			names[res.ID] = name
		}
	}
	return names, nil
}
