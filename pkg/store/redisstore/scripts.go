package redisstore

import "github.com/redis/go-redis/v9"

// The atomic account mutations are single Lua invocations: fetch the hash
// field, decode the JSON, apply the delta, encode, HSET, return the new
// value. A missing account returns -1 so the caller can map it to
// store.ErrNotFound without a second round trip.

// incrementUsageScript bumps usageCount and stamps lastUsed.
// KEYS[1] pool hash; ARGV[1] uuid, ARGV[2] now (epoch ms).
var incrementUsageScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then return -1 end
local acc = cjson.decode(raw)
acc.usageCount = (acc.usageCount or 0) + 1
acc.lastUsed = tonumber(ARGV[2])
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(acc))
return acc.usageCount
`)

// incrementErrorScript bumps errorCount, stamps lastErrorTime, records the
// message, and optionally clears isHealthy.
// KEYS[1] pool hash; ARGV[1] uuid, ARGV[2] now (ms), ARGV[3] markUnhealthy
// ("1"/"0"), ARGV[4] message.
var incrementErrorScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then return -1 end
local acc = cjson.decode(raw)
acc.errorCount = (acc.errorCount or 0) + 1
acc.lastErrorTime = tonumber(ARGV[2])
if ARGV[4] ~= '' then
  acc.lastErrorMessage = ARGV[4]
end
if ARGV[3] == '1' then
  acc.isHealthy = false
end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(acc))
return acc.errorCount
`)

// updateHealthScript writes isHealthy and stamps lastHealthCheckTime.
// KEYS[1] pool hash; ARGV[1] uuid, ARGV[2] now (ms), ARGV[3] healthy
// ("1"/"0").
var updateHealthScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then return -1 end
local acc = cjson.decode(raw)
acc.isHealthy = ARGV[3] == '1'
acc.lastHealthCheckTime = tonumber(ARGV[2])
if ARGV[3] == '1' then
  acc.errorCount = 0
end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(acc))
return 1
`)

// updateProviderScript merges a partial JSON patch into the stored account.
// Fields explicitly set to cjson.null in the patch are removed.
// KEYS[1] pool hash; ARGV[1] uuid, ARGV[2] patch JSON.
var updateProviderScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then return -1 end
local acc = cjson.decode(raw)
local patch = cjson.decode(ARGV[2])
for k, v in pairs(patch) do
  if v == cjson.null then
    acc[k] = nil
  else
    acc[k] = v
  end
end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(acc))
return 1
`)

// atomicTokenUpdateScript compare-and-swaps on the stored refreshToken.
// KEYS[1] token key; ARGV[1] expected refresh token, ARGV[2] new token JSON,
// ARGV[3] ttl seconds (0 = persist).
// Returns 1 on success, 0 on conflict.
var atomicTokenUpdateScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
local current = ''
if raw then
  local ok, tok = pcall(cjson.decode, raw)
  if ok and type(tok) == 'table' and tok.refreshToken then
    current = tok.refreshToken
  end
end
if current ~= ARGV[1] then return 0 end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'EX', tonumber(ARGV[3]))
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// releaseTokenLockScript deletes the lock only when the caller still owns it.
// KEYS[1] lock key; ARGV[1] lock id.
var releaseTokenLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// setKiroTokenScript writes the token record and claims the refresh-token
// dedup index entry in one invocation. If the fingerprint is already owned
// by a different account, nothing is written and the owner UUID is returned.
// KEYS[1] index key; KEYS[2] token key; ARGV[1] uuid, ARGV[2] token JSON.
var setKiroTokenScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if owner and owner ~= ARGV[1] then
  return owner
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
return ''
`)
