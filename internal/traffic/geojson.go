package traffic

import "time"

// Coordinate is a GeoJSON position: longitude, then latitude.
type Coordinate [2]float64

// LineString is an ordered path of coordinates.
type LineString []Coordinate

// Geometry is a GeoJSON LineString geometry.
type Geometry struct {
	Type        string       `json:"type"`
	Coordinates []Coordinate `json:"coordinates"`
}

// Feature carries one record's fields as properties over its location's
// geometry.
type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

// FeatureCollection is the geospatial interchange form of an output table.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// NewFeatureCollection builds a GeoJSON FeatureCollection from canonical
// records, one feature per record, using geoms to look up each location's
// path. Records with no known geometry are skipped. The order property
// preserves each feature's position in the input, which downstream mapping
// tools use to identify segments along a route.
func NewFeatureCollection(recs []Record, geoms map[string]LineString) FeatureCollection {
	fc := FeatureCollection{Type: "FeatureCollection", Features: []Feature{}}
	for i, r := range recs {
		path, ok := geoms[r.LocationID]
		if !ok || len(path) == 0 {
			continue
		}
		props := map[string]any{
			"location_id":     r.LocationID,
			"timestamp_start": r.Start.UTC().Format(time.RFC3339),
			"timestamp_end":   r.End.UTC().Format(time.RFC3339),
			"metric":          string(r.Metric),
			"value":           r.Value,
			"source":          r.Source,
			"order":           i,
		}
		if r.LengthMiles > 0 {
			props["length_miles"] = r.LengthMiles
		}
		fc.Features = append(fc.Features, Feature{
			Type:       "Feature",
			Geometry:   Geometry{Type: "LineString", Coordinates: path},
			Properties: props,
		})
	}
	return fc
}
