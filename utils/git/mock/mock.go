package mock

import (
	_ "go.uber.org/mock/mockgen/model"
)

//go:generate mockgen -destination=mock_git.go -package=mock github.com/gitopsd/gitopsd/utils/git GitClient
