package queue

import goredis "github.com/redis/go-redis/v9"

// claimScript atomically claims due jobs: due members move from the
// scheduled zset into the active zset with a visibility deadline.
// KEYS[1] = scheduled zset
// KEYS[2] = active zset
// ARGV[1] = current unix timestamp (score threshold)
// ARGV[2] = limit
// ARGV[3] = visibility deadline score
var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #ids == 0 then return {} end
for i, id in ipairs(ids) do
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZADD', KEYS[2], ARGV[3], id)
end
return ids
`)

// stalledScript atomically re-queues jobs whose visibility deadline passed:
// overdue members move from the active zset back into the scheduled zset,
// ready immediately. The caller then advances their attempt counters.
// KEYS[1] = active zset
// KEYS[2] = scheduled zset
// ARGV[1] = current unix timestamp (deadline threshold)
// ARGV[2] = limit
var stalledScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #ids == 0 then return {} end
for i, id in ipairs(ids) do
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return ids
`)
