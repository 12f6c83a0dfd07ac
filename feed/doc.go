// Package feed provides the social-feed abstraction the autonomous loop
// polls for job offers and accepts, plus an in-memory demo server two agents
// can share without any external feed integration. Grounded on
// original_source/autonomous_adapter/demo_feed_server.py (GET/POST /feed
// shape) rewired onto the teacher's chi-router idiom.
package feed
