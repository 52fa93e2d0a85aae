package redis

import goredis "github.com/redis/go-redis/v9"

// Every state change runs as one script so concurrent workers sharing the
// same Redis never observe a half-applied transition. Times are Unix
// microseconds, which Lua numbers represent exactly.

// KEYS: job, pending, seq. ARGV: id, run_at, field/value pairs...
var enqueueScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return -1 end
local seq = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], 'seq', seq, unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return seq
`)

// KEYS: pending, active, paused. ARGV: now, token, until, scan limit, job key prefix.
var leaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[3]) == '1' then return false end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
local best, bp, br, bs
for _, id in ipairs(ids) do
  local f = redis.call('HMGET', ARGV[5] .. id, 'priority', 'run_at', 'seq')
  local p, r, s = tonumber(f[1]), tonumber(f[2]), tonumber(f[3])
  if p == nil then
    redis.call('ZREM', KEYS[1], id)
  elseif best == nil or p > bp or (p == bp and (r < br or (r == br and s < bs))) then
    best, bp, br, bs = id, p, r, s
  end
end
if best == nil then return false end
redis.call('HSET', ARGV[5] .. best, 'state', 'active', 'token', ARGV[2], 'leased_until', ARGV[3], 'updated_at', ARGV[1])
redis.call('ZREM', KEYS[1], best)
redis.call('ZADD', KEYS[2], ARGV[3], best)
return best
`)

// KEYS: job, active, target set. ARGV: token, id, target score,
// increment attempts ("1"/"0"), field/value pairs...
var releaseScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local f = redis.call('HMGET', KEYS[1], 'state', 'token')
if f[1] ~= 'active' or f[2] ~= ARGV[1] then return -2 end
if ARGV[4] == '1' then redis.call('HINCRBY', KEYS[1], 'attempts', 1) end
redis.call('HSET', KEYS[1], unpack(ARGV, 5))
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
return 1
`)

// KEYS: job, pending, cancelled. ARGV: id, at.
var cancelScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local st = redis.call('HGET', KEYS[1], 'state')
if st ~= 'waiting' and st ~= 'delayed' then return 0 end
redis.call('HSET', KEYS[1], 'state', 'cancelled', 'updated_at', ARGV[2], 'finished_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// KEYS: active, pending, failed. ARGV: now, max stalls, job key prefix, code, reason.
var reapScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local requeued, dead = {}, {}
for _, id in ipairs(ids) do
  local k = ARGV[3] .. id
  redis.call('ZREM', KEYS[1], id)
  if redis.call('EXISTS', k) == 1 then
    local stalls = tonumber(redis.call('HGET', k, 'stalls') or '0')
    if stalls < tonumber(ARGV[2]) then
      redis.call('HSET', k, 'state', 'waiting', 'stalls', stalls + 1, 'run_at', ARGV[1],
        'token', '', 'leased_until', '', 'updated_at', ARGV[1])
      redis.call('ZADD', KEYS[2], ARGV[1], id)
      table.insert(requeued, id)
    else
      redis.call('HSET', k, 'state', 'failed', 'error_code', ARGV[4], 'last_error', ARGV[5],
        'token', '', 'leased_until', '', 'updated_at', ARGV[1], 'finished_at', ARGV[1])
      redis.call('ZADD', KEYS[3], ARGV[1], id)
      table.insert(dead, id)
    end
  end
end
return {requeued, dead}
`)

// KEYS: completed, failed, cancelled. ARGV: cutoff, job key prefix.
var purgeScript = goredis.NewScript(`
local n = 0
for i = 1, #KEYS do
  local ids = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', '(' .. ARGV[1])
  for _, id in ipairs(ids) do
    redis.call('DEL', ARGV[2] .. id)
    redis.call('ZREM', KEYS[i], id)
    n = n + 1
  end
end
return n
`)
