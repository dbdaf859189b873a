package app

var CreateTopics = createTopics
