package ratelimit

import (
	goredis "github.com/redis/go-redis/v9"
)

// Every script below is integer-only: no Lua value that feeds the
// admission decision is ever a float. All counts, costs and capacities
// arrive pre-scaled by Scale (1000), and times arrive in milliseconds, so a
// division that would otherwise lose a fraction instead loses only the
// fixed-point remainder, identically on every instance.
//
// Each admission script returns exactly the triple {allowed, remaining_scaled,
// retry_after_ms}. Any other shape coming back is treated as a backend
// failure by the caller, so no script may grow a fourth return value.

// fixedWindowScript implements a hard-aligned fixed window with
// rollback-on-denial: a request that pushes the counter over the limit
// does not leave the counter incremented, so a dense burst of denied
// requests never wedges the window shut past max_scaled.
var fixedWindowScript = goredis.NewScript(`
local key = KEYS[1]
local max_scaled = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local cost_scaled = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])

local window_start = now_ms - (now_ms % window_ms)
local window_end = window_start + window_ms

local current = redis.call('INCRBY', key, cost_scaled)
local ttl = redis.call('PTTL', key)
if ttl < 0 then
    redis.call('PEXPIREAT', key, window_end)
end

if current > max_scaled then
    redis.call('DECRBY', key, cost_scaled)
    local retry_after_ms = window_end - now_ms
    if retry_after_ms < 0 then retry_after_ms = 0 end
    return {0, 0, retry_after_ms}
end

local remaining = max_scaled - current
return {1, remaining, 0}
`)

// tokenBucketScript implements continuous refill: tokens accrue at
// refill_rate_scaled per second, capped at max_tokens_scaled, computed
// from the elapsed time since the bucket's own last_refill timestamp
// rather than a fixed tick, so a bucket left untouched for an hour refills
// exactly as if it had been ticking the whole time.
var tokenBucketScript = goredis.NewScript(`
local key = KEYS[1]
local max_tokens_scaled = tonumber(ARGV[1])
local refill_rate_scaled = tonumber(ARGV[2])
local cost_scaled = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])
local window_seconds = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(data[1])
local last_refill = tonumber(data[2])
if tokens == nil or last_refill == nil then
    tokens = max_tokens_scaled
    last_refill = now_ms
end

local elapsed_ms = now_ms - last_refill
if elapsed_ms < 0 then elapsed_ms = 0 end

local refilled = tokens + math.floor((refill_rate_scaled * elapsed_ms) / 1000)
if refilled > max_tokens_scaled then refilled = max_tokens_scaled end
tokens = refilled

local allowed = 0
local remaining = tokens
local retry_after_ms = 0

if tokens >= cost_scaled then
    tokens = tokens - cost_scaled
    remaining = tokens
    allowed = 1
else
    local deficit = cost_scaled - tokens
    if refill_rate_scaled <= 0 then
        -- no refill rate at all (e.g. a sub-per-second rate that floors to
        -- zero at this scale): the earliest useful retry is the next full
        -- window, not an unreachable instant computed from a zero divisor.
        retry_after_ms = window_seconds * 1000
    else
        retry_after_ms = math.ceil((deficit * 1000) / refill_rate_scaled)
    end
end

redis.call('HMSET', key, 'tokens', tokens, 'last_refill_ms', now_ms)
redis.call('PEXPIRE', key, (window_seconds * 2 + 60) * 1000)

return {allowed, remaining, retry_after_ms}
`)

// slidingWindowScript implements a weighted sliding window over two
// adjacent fixed buckets: the previous bucket's count is discounted by how
// far the current instant has moved into the current bucket, giving a
// smooth approximation of a true sliding log without storing one entry per
// request.
var slidingWindowScript = goredis.NewScript(`
local current_key = KEYS[1]
local previous_key = KEYS[2]
local max_scaled = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local cost_scaled = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])

local window_start = now_ms - (now_ms % window_ms)
local elapsed_ms = now_ms - window_start

local current = tonumber(redis.call('GET', current_key)) or 0
local previous = tonumber(redis.call('GET', previous_key)) or 0

local prev_weight_scaled = math.floor(((window_ms - elapsed_ms) * 1000) / window_ms)
local weighted = current + math.floor((previous * prev_weight_scaled) / 1000)

if weighted + cost_scaled > max_scaled then
    local retry_after_ms
    local remaining_ms = window_ms - elapsed_ms
    if prev_weight_scaled > 0 and previous > 0 then
        -- time until the previous bucket's linearly decaying contribution
        -- frees enough capacity for this request. If no wait inside the
        -- current window suffices, the earliest useful retry is the
        -- 2*window boundary, once the current bucket itself has rotated
        -- out of the weighting.
        local over = (weighted + cost_scaled) - max_scaled
        local decay_ms = math.ceil((over * window_ms) / math.max(previous, 1))
        if decay_ms <= remaining_ms then
            retry_after_ms = decay_ms
        else
            retry_after_ms = 2 * window_ms - elapsed_ms
        end
    else
        retry_after_ms = 2 * window_ms - elapsed_ms
    end
    if retry_after_ms < 0 then retry_after_ms = 0 end

    return {0, 0, retry_after_ms}
end

current = redis.call('INCRBY', current_key, cost_scaled)
redis.call('PEXPIRE', current_key, window_ms * 2)
redis.call('PEXPIRE', previous_key, window_ms * 2)

local remaining = max_scaled - (weighted + cost_scaled)
return {1, remaining, 0}
`)

// healthScript is a trivial round trip used by Store.Ping to verify both
// connectivity and scripting capability in one call, rather than issuing a
// separate PING and a separate EVAL.
var healthScript = goredis.NewScript(`return redis.call('TIME')[1]`)
