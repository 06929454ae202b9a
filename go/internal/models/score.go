package models

import "sort"

// RoundResult is one player's outcome for one round.
type RoundResult struct {
	RoundID      string `json:"round_id"`
	RoundName    string `json:"round_name"`
	DrinkGuessed string `json:"drink_guessed"`
	CorrectDrink string `json:"correct_drink"`
	IsCorrect    bool   `json:"is_correct"`
}

// PlayerScore is a leaderboard row.
type PlayerScore struct {
	PlayerID   string        `json:"player_id"`
	PlayerName string        `json:"player_name"`
	Score      int           `json:"score"`
	Rounds     []RoundResult `json:"rounds"`
}

// Score counts the rounds p answered with the correct drink.
func (g *Game) Score(p *Player) int {
	score := 0
	for _, r := range g.Rounds {
		if guess, ok := p.Guesses[r.ID]; ok && guess == r.CorrectDrinkID {
			score++
		}
	}
	return score
}

// Leaderboard ranks the non-host players by score, highest first, ties by name.
func Leaderboard(g *Game) []PlayerScore {
	scores := make([]PlayerScore, 0, len(g.Players))
	for i := range g.Players {
		p := &g.Players[i]
		if p.IsHost {
			continue
		}
		ps := PlayerScore{
			PlayerID:   p.ID,
			PlayerName: p.Name,
			Score:      g.Score(p),
			Rounds:     make([]RoundResult, 0, len(g.Rounds)),
		}
		for _, r := range g.Rounds {
			guess := p.Guesses[r.ID]
			res := RoundResult{
				RoundID:      r.ID,
				RoundName:    r.Name,
				DrinkGuessed: "No guess",
				CorrectDrink: "Unknown",
				IsCorrect:    guess != "" && guess == r.CorrectDrinkID,
			}
			if d, ok := g.Drink(guess); ok {
				res.DrinkGuessed = d.Name
			}
			if d, ok := g.Drink(r.CorrectDrinkID); ok {
				res.CorrectDrink = d.Name
			}
			ps.Rounds = append(ps.Rounds, res)
		}
		scores = append(scores, ps)
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].PlayerName < scores[j].PlayerName
	})
	return scores
}
