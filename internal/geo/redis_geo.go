package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisGeo keeps driver positions in a Redis GEO set and driver metadata in
// one hash per driver.
type RedisGeo struct {
	client   *redis.Client
	key      string
	radiusKm float64
}

func NewRedisGeo(client *redis.Client, key string, radiusKm float64) *RedisGeo {
	if radiusKm <= 0 {
		radiusKm = 25
	}
	return &RedisGeo{client: client, key: key, radiusKm: radiusKm}
}

func (r *RedisGeo) UpsertDriver(ctx context.Context, d models.Driver) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", d.ID, err)
	}
	return r.client.HSet(ctx, MetaKey(d.ID), MetaFields(d)).Err()
}

// AvailableDrivers returns dispatchable drivers within the search radius,
// nearest first as reported by Redis.
func (r *RedisGeo) AvailableDrivers(ctx context.Context, near models.Coord, serviceType string) ([]models.Driver, error) {
	res, err := r.client.GeoRadius(ctx, r.key, near.Lon, near.Lat, &redis.GeoRadiusQuery{Radius: r.radiusKm, Unit: "km", WithCoord: true, Sort: "ASC"}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		cmds[i] = pipe.HGetAll(ctx, MetaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("driver meta: %w", err)
	}
	out := make([]models.Driver, 0, len(res))
	for i, g := range res {
		d := driverFromMeta(g.Name, cmds[i].Val())
		d.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		if !d.Dispatchable(serviceType) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func MetaKey(id string) string { return "driver:meta:" + id }

// MetaFields is the hash layout shared with the location consumer.
func MetaFields(d models.Driver) map[string]interface{} {
	return map[string]interface{}{
		"name":           d.Name,
		"phone":          d.Phone,
		"available":      strconv.FormatBool(d.Available),
		"online":         strconv.FormatBool(d.Online),
		"service_type":   d.ServiceType,
		"vehicle_number": d.VehicleNumber,
		"vehicle_type":   d.VehicleType,
		"updated":        time.Now().UTC().Format(time.RFC3339),
	}
}

func driverFromMeta(id string, m map[string]string) models.Driver {
	d := models.Driver{
		ID:            id,
		Name:          m["name"],
		Phone:         m["phone"],
		Available:     m["available"] == "true",
		Online:        m["online"] == "true",
		ServiceType:   m["service_type"],
		VehicleNumber: m["vehicle_number"],
		VehicleType:   m["vehicle_type"],
	}
	if ts, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
		d.Updated = ts
	}
	return d
}
