package legalvote

import "github.com/redis/go-redis/v9"

// The three atomic scripts are direct Go-idiom transcriptions of the
// behavioral contracts of the vote lifecycle (not literal copies of any
// Lua source), registered once per process and EVALSHA'd through the
// circuit-breaker-wrapped KVS client.

// endCurrentVoteScript: KEYS = {current, protocol, history}; ARGV = {voteID, finalEntryJSON}.
// If current == voteID: delete current, append finalEntry to protocol, add voteID to history; return 1.
// Else: return 0.
var endCurrentVoteScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
	redis.call("DEL", KEYS[1])
	redis.call("RPUSH", KEYS[2], ARGV[2])
	redis.call("SADD", KEYS[3], ARGV[1])
	return 1
end
return 0
`)

// castVoteScript: KEYS = {current, allowedUsers, protocol, voteCount}; ARGV = {voteID, userID, entryJSON, option}.
// Returns: "invalid_vote_id" | "ineligible" | "success".
var castVoteScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current ~= ARGV[1] then
	return "invalid_vote_id"
end
local removed = redis.call("SREM", KEYS[2], ARGV[2])
if removed == 0 then
	return "ineligible"
end
redis.call("RPUSH", KEYS[3], ARGV[3])
redis.call("ZINCRBY", KEYS[4], 1, ARGV[4])
return "success"
`)

// cleanupVoteScript: KEYS = {current, count, params, allowed, protocol}; ARGV = {voteID}.
// Deletes current iff it equals voteID; always deletes the other four keys.
var cleanupVoteScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
	redis.call("DEL", KEYS[1])
end
redis.call("DEL", KEYS[2], KEYS[3], KEYS[4], KEYS[5])
return 1
`)
