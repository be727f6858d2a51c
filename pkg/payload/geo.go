package payload

import (
	"encoding/binary"
	"io"
	"math"
	"sync"

	"github.com/kaidb/kaidb/vdberrors"
)

const earthRadiusKM = 6371.0

type geoPoint struct {
	id  uint32
	lat float64
	lng float64
}

// GeoIndex is a grid-bucketed index over lat/lng payload fields, keyed by
// internal ID rather than a string external ID. One GeoIndex instance can
// hold several distinct geo fields side by side.
type GeoIndex struct {
	mu       sync.RWMutex
	gridSize float64
	fields   map[string]map[int64][]geoPoint
	points   map[string]map[uint32]geoPoint
}

// NewGeoIndex creates an empty geo index with a 0.1-degree grid (roughly
// 11km at the equator), matching the teacher's default cell size.
func NewGeoIndex() *GeoIndex {
	return &GeoIndex{
		gridSize: 0.1,
		fields:   make(map[string]map[int64][]geoPoint),
		points:   make(map[string]map[uint32]geoPoint),
	}
}

func (g *GeoIndex) gridKey(lat, lng float64) int64 {
	x := int64(lng / g.gridSize)
	y := int64(lat / g.gridSize)
	return (x << 32) | (y & 0xFFFFFFFF)
}

// Insert adds or replaces the point for (field, id).
func (g *GeoIndex) Insert(id uint32, field string, lat, lng float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fields[field] == nil {
		g.fields[field] = make(map[int64][]geoPoint)
		g.points[field] = make(map[uint32]geoPoint)
	}
	if existing, ok := g.points[field][id]; ok {
		g.removeLocked(field, existing)
	}

	p := geoPoint{id: id, lat: lat, lng: lng}
	key := g.gridKey(lat, lng)
	g.fields[field][key] = append(g.fields[field][key], p)
	g.points[field][id] = p
}

func (g *GeoIndex) removeLocked(field string, p geoPoint) {
	key := g.gridKey(p.lat, p.lng)
	cell := g.fields[field][key]
	for i, c := range cell {
		if c.id == p.id {
			cell[i] = cell[len(cell)-1]
			g.fields[field][key] = cell[:len(cell)-1]
			break
		}
	}
	if len(g.fields[field][key]) == 0 {
		delete(g.fields[field], key)
	}
}

// RemoveID drops id from every geo field it appears in.
func (g *GeoIndex) RemoveID(id uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for field, byID := range g.points {
		if p, ok := byID[id]; ok {
			g.removeLocked(field, p)
			delete(byID, id)
		}
	}
}

// BoundingBox returns every internal ID for field inside the given box.
func (g *GeoIndex) BoundingBox(field string, minLat, maxLat, minLng, maxLng float64) map[uint32]struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make(map[uint32]struct{})
	byID, ok := g.points[field]
	if !ok {
		return result
	}
	for id, p := range byID {
		if p.lat >= minLat && p.lat <= maxLat && p.lng >= minLng && p.lng <= maxLng {
			result[id] = struct{}{}
		}
	}
	return result
}

// Radius returns every internal ID for field within radiusKM of the center.
func (g *GeoIndex) Radius(field string, centerLat, centerLng, radiusKM float64) map[uint32]struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make(map[uint32]struct{})
	cells, ok := g.fields[field]
	if !ok {
		return result
	}

	degreesRadius := radiusKM / 111.0
	cellsRadius := int64(math.Ceil(degreesRadius / g.gridSize))
	centerX := int64(centerLng / g.gridSize)
	centerY := int64(centerLat / g.gridSize)

	for dx := -cellsRadius; dx <= cellsRadius; dx++ {
		for dy := -cellsRadius; dy <= cellsRadius; dy++ {
			key := ((centerX + dx) << 32) | ((centerY + dy) & 0xFFFFFFFF)
			for _, p := range cells[key] {
				if haversineKM(centerLat, centerLng, p.lat, p.lng) <= radiusKM {
					result[p.id] = struct{}{}
				}
			}
		}
	}
	return result
}

// save writes every (field, id, lat, lng) point to w, length-prefixed and
// flattened across fields; load rebuilds the grid buckets from that list.
func (g *GeoIndex) save(w io.Writer) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var total uint32
	for _, byID := range g.points {
		total += uint32(len(byID))
	}
	if err := writeUint32(w, total); err != nil {
		return err
	}
	for field, byID := range g.points {
		for id, p := range byID {
			if err := writeString(w, field); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, id); err != nil {
				return vdberrors.Wrap("payload.geo_save", vdberrors.KindIoError, err)
			}
			if err := binary.Write(w, binary.LittleEndian, p.lat); err != nil {
				return vdberrors.Wrap("payload.geo_save", vdberrors.KindIoError, err)
			}
			if err := binary.Write(w, binary.LittleEndian, p.lng); err != nil {
				return vdberrors.Wrap("payload.geo_save", vdberrors.KindIoError, err)
			}
		}
	}
	return nil
}

func (g *GeoIndex) load(r io.Reader) error {
	g.mu.Lock()
	g.fields = make(map[string]map[int64][]geoPoint)
	g.points = make(map[string]map[uint32]geoPoint)
	g.mu.Unlock()

	count, err := readUint32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		field, err := readString(r)
		if err != nil {
			return err
		}
		var id uint32
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return vdberrors.Wrap("payload.geo_load", vdberrors.KindSnapshotCorrupted, err)
		}
		var lat, lng float64
		if err := binary.Read(r, binary.LittleEndian, &lat); err != nil {
			return vdberrors.Wrap("payload.geo_load", vdberrors.KindSnapshotCorrupted, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &lng); err != nil {
			return vdberrors.Wrap("payload.geo_load", vdberrors.KindSnapshotCorrupted, err)
		}
		g.Insert(id, field, lat, lng)
	}
	return nil
}

func haversineKM(lat1, lng1, lat2, lng2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(deltaLng/2)*math.Sin(deltaLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKM * c
}
