/*
 * Copyright (C) 2024 Nuts community
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 *
 */

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nuts-foundation/openid4vc/log"
)

var _ SessionDatabase = (*redisSessionDatabase)(nil)
var _ SessionStore = (*redisSessionStore)(nil)

// RedisConfig specifies config for the Redis session database.
type RedisConfig struct {
	Address  string `koanf:"address"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// IsConfigured returns true if the config indicates Redis support should be enabled.
func (r RedisConfig) IsConfigured() bool {
	return len(r.Address) > 0
}

func (r RedisConfig) parse() (*redis.Options, error) {
	// If not an address URL, assume simply TCP with host:port
	addr := r.Address
	if !strings.HasPrefix(addr, "redis://") && !strings.HasPrefix(addr, "rediss://") {
		addr = "redis://" + addr
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, err
	}
	if len(r.Username) > 0 {
		opts.Username = r.Username
	}
	if len(r.Password) > 0 {
		opts.Password = r.Password
	}
	return opts, nil
}

// NewRedisSessionDatabase creates a session database backed by the configured Redis server.
func NewRedisSessionDatabase(config RedisConfig) (SessionDatabase, error) {
	opts, err := config.parse()
	if err != nil {
		return nil, err
	}
	return redisSessionDatabase{
		client: redis.NewClient(opts),
	}, nil
}

type redisSessionDatabase struct {
	client *redis.Client
}

func (s redisSessionDatabase) GetStore(ttl time.Duration, keys ...string) SessionStore {
	return redisSessionStore{
		client:    s.client,
		ttl:       ttl,
		storeName: strings.Join(keys, "."),
	}
}

func (s redisSessionDatabase) Close() {
	if err := s.client.Close(); err != nil {
		log.Logger().WithError(err).Warn("Failed to close Redis client")
	}
}

type redisSessionStore struct {
	client    *redis.Client
	ttl       time.Duration
	storeName string
}

func (s redisSessionStore) Delete(key string) error {
	return s.client.Del(context.Background(), s.getFullKey(key)).Err()
}

func (s redisSessionStore) Exists(key string) bool {
	count, err := s.client.Exists(context.Background(), s.getFullKey(key)).Result()
	if err != nil {
		log.Logger().WithError(err).Error("Failed to check existence of session key")
		return false
	}
	return count > 0
}

func (s redisSessionStore) Get(key string, target interface{}) error {
	data, err := s.client.Get(context.Background(), s.getFullKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal([]byte(data), target)
}

func (s redisSessionStore) GetAndDelete(key string, target interface{}) error {
	// GETDEL guarantees only one caller can ever read the value.
	data, err := s.client.GetDel(context.Background(), s.getFullKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal([]byte(data), target)
}

func (s redisSessionStore) Put(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(context.Background(), s.getFullKey(key), data, s.ttl).Err()
}

func (s redisSessionStore) getFullKey(key string) string {
	return strings.Join([]string{s.storeName, key}, ".")
}
