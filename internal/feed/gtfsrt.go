package feed

import (
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/saviobatista/transit-telemetry/internal/types"
)

// decodeGTFSRealtime reads the vehicle positions out of a GTFS-Realtime feed.
// Entities without a vehicle descriptor id are passed through with an empty
// id so the normalizer can count them as skipped.
func decodeGTFSRealtime(body []byte) ([]types.RawVehicle, error) {
	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(body, &fm); err != nil {
		return nil, &FatalError{Reason: "malformed GTFS-Realtime message", Err: err}
	}

	vehicles := make([]types.RawVehicle, 0, len(fm.GetEntity()))
	for _, e := range fm.GetEntity() {
		vp := e.GetVehicle()
		if vp == nil || e.GetIsDeleted() {
			continue
		}

		raw := types.RawVehicle{
			ID:     vp.GetVehicle().GetId(),
			Status: vp.GetCurrentStatus().String(),
		}
		if routeID := vp.GetTrip().GetRouteId(); routeID != "" {
			raw.RouteID = &routeID
		}
		if pos := vp.GetPosition(); pos != nil {
			lat := float64(pos.GetLatitude())
			lon := float64(pos.GetLongitude())
			raw.Latitude = &lat
			raw.Longitude = &lon
			if pos.Bearing != nil {
				bearing := float64(pos.GetBearing())
				raw.Bearing = &bearing
			}
			if pos.Speed != nil {
				speed := float64(pos.GetSpeed())
				raw.Speed = &speed
			}
		}
		if vp.Timestamp != nil {
			ts := time.Unix(int64(vp.GetTimestamp()), 0).UTC()
			raw.UpdatedAt = &ts
		}

		vehicles = append(vehicles, raw)
	}
	return vehicles, nil
}
